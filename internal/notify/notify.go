// Package notify defines the outbound notification contract.
package notify

import "github.com/tapeflow/stockpulse/internal/logger"

// Notifier delivers a human-readable alert. Delivery is best-effort: callers
// log a returned error and move on, alerting never blocks trading logic.
type Notifier interface {
	Send(text string) error
}

// Log writes notifications to the application log. Used when Telegram
// delivery is disabled.
type Log struct{}

// NewLog returns a log-backed notifier.
func NewLog() *Log { return &Log{} }

func (l *Log) Send(text string) error {
	logger.Info("notice: %s", text)
	return nil
}
