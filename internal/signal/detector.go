// Package signal detects order-flow imbalance episodes per symbol with
// confirm-then-fire hysteresis and a per-symbol alert cooldown.
package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/models"
	"github.com/tapeflow/stockpulse/internal/notify"
)

// MarketData supplies the live quote and trade data the detector evaluates.
type MarketData interface {
	LatestQuote(ctx context.Context, symbol string) (models.QuoteSnapshot, error)
	LatestTrade(ctx context.Context, symbol string) (float64, error)
}

// Journal records fired signals for auditing. Recording is best-effort.
type Journal interface {
	AddSignal(symbol string, direction models.Direction, imbalance, spread, momentum, price float64, firedAt time.Time) error
}

type Config struct {
	ImbalanceUp       float64
	ImbalanceDown     float64
	MaxSpread         float64
	MomentumThreshold float64
	Hold              time.Duration
	Cooldown          time.Duration
}

func DefaultConfig() Config {
	return Config{
		ImbalanceUp:       3.0,
		ImbalanceDown:     0.33,
		MaxSpread:         0.05,
		MomentumThreshold: 0.001,
		Hold:              30 * time.Second,
		Cooldown:          5 * time.Minute,
	}
}

type symbolState struct {
	pendingSince time.Time
	pendingDir   models.Direction
	lastAlertAt  time.Time
	lastPrice    float64
	hasPrice     bool
}

// Detector evaluates quote imbalance and trade momentum per symbol.
type Detector struct {
	market   MarketData
	notifier notify.Notifier
	journal  Journal
	config   Config

	mu     sync.Mutex
	states map[string]*symbolState

	now func() time.Time
}

// New creates a detector. journal may be nil to disable signal auditing.
func New(market MarketData, notifier notify.Notifier, journal Journal, config Config) *Detector {
	return &Detector{
		market:   market,
		notifier: notifier,
		journal:  journal,
		config:   config,
		states:   make(map[string]*symbolState),
		now:      time.Now,
	}
}

// Poll evaluates every watched symbol once. A fetch failure for one symbol is
// logged and skipped; Poll returns an error only when every symbol failed.
func (d *Detector) Poll(ctx context.Context, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}

	var failed int
	var lastErr error
	for _, symbol := range symbols {
		if err := d.evaluate(ctx, symbol); err != nil {
			logger.Warn("Signal evaluation failed for %s: %v", symbol, err)
			failed++
			lastErr = err
		}
	}
	if failed == len(symbols) {
		return fmt.Errorf("all %d symbols failed: %w", failed, lastErr)
	}
	return nil
}

func (d *Detector) getOrCreateState(symbol string) *symbolState {
	if state, exists := d.states[symbol]; exists {
		return state
	}
	state := &symbolState{}
	d.states[symbol] = state
	return state
}

func (d *Detector) evaluate(ctx context.Context, symbol string) error {
	quote, err := d.market.LatestQuote(ctx, symbol)
	if err != nil {
		return fmt.Errorf("quote fetch: %w", err)
	}
	spread := quote.Spread()
	if spread <= 0 {
		return nil
	}

	price, err := d.market.LatestTrade(ctx, symbol)
	if err != nil {
		return fmt.Errorf("trade fetch: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	state := d.getOrCreateState(symbol)

	momentum := 0.0
	if state.hasPrice && state.lastPrice > 0 {
		momentum = price/state.lastPrice - 1
	}
	state.lastPrice = price
	state.hasPrice = true

	imbalance := quote.Imbalance()
	goodUp := imbalance >= d.config.ImbalanceUp &&
		spread <= d.config.MaxSpread &&
		momentum >= d.config.MomentumThreshold
	goodDown := imbalance <= d.config.ImbalanceDown &&
		spread <= d.config.MaxSpread &&
		momentum <= -d.config.MomentumThreshold

	now := d.now()

	if !goodUp && !goodDown {
		if !state.pendingSince.IsZero() {
			if now.Sub(state.pendingSince) <= d.config.Hold {
				d.sendRetraction(symbol, state.pendingDir)
			}
			state.pendingSince = time.Time{}
		}
		return nil
	}

	direction := models.DirectionUp
	if goodDown {
		direction = models.DirectionDown
	}

	if state.pendingSince.IsZero() || state.pendingDir != direction {
		state.pendingSince = now
		state.pendingDir = direction
		logger.Debug("Pending %s episode for %s: imbalance=%.2f spread=%.3f momentum=%.4f",
			direction, symbol, imbalance, spread, momentum)
		return nil
	}

	if now.Sub(state.pendingSince) >= d.config.Hold &&
		(state.lastAlertAt.IsZero() || now.Sub(state.lastAlertAt) >= d.config.Cooldown) {
		d.fire(symbol, direction, imbalance, spread, momentum, price, now)
		state.pendingSince = time.Time{}
		state.lastAlertAt = now
	}
	return nil
}

func (d *Detector) fire(symbol string, direction models.Direction, imbalance, spread, momentum, price float64, firedAt time.Time) {
	arrow := "🚀"
	if direction == models.DirectionDown {
		arrow = "🔻"
	}
	text := fmt.Sprintf("%s %s order flow %s: imbalance %.2f, spread $%.3f, momentum %+.3f%%, last $%.2f",
		arrow, symbol, direction, imbalance, spread, momentum*100, price)
	if err := d.notifier.Send(text); err != nil {
		logger.Warn("Failed to deliver signal alert for %s: %v", symbol, err)
	}
	logger.Info("Signal fired for %s: dir=%s imbalance=%.2f spread=%.3f momentum=%.4f", symbol, direction, imbalance, spread, momentum)

	if d.journal != nil {
		if err := d.journal.AddSignal(symbol, direction, imbalance, spread, momentum, price, firedAt); err != nil {
			logger.Warn("Failed to journal signal for %s: %v", symbol, err)
		}
	}
}

// sendRetraction bypasses the cooldown: a collapsed episode is news even when
// an alert fired recently.
func (d *Detector) sendRetraction(symbol string, direction models.Direction) {
	text := fmt.Sprintf("↩️ %s: emerging %s signal retracted before confirmation", symbol, direction)
	if err := d.notifier.Send(text); err != nil {
		logger.Warn("Failed to deliver retraction for %s: %v", symbol, err)
	}
	logger.Info("Signal retracted for %s: dir=%s", symbol, direction)
}
