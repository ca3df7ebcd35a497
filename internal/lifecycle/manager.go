// Package lifecycle runs the daily batch state machine: open a batch of
// bracket trades inside a short post-open window, monitor it, force-close at
// the hold limit, and send one consolidated report.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/models"
	"github.com/tapeflow/stockpulse/internal/notify"
)

// MarketData supplies the lookback bar window for candidate selection.
type MarketData interface {
	MinuteBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]models.Bar, error)
}

// Broker submits, lists, and closes the batch's positions.
type Broker interface {
	SubmitBracket(ctx context.Context, order models.BracketOrder) (string, error)
	OpenPositionSymbols(ctx context.Context) (map[string]bool, error)
	ClosePositionMarket(ctx context.Context, symbol string) error
}

// Selector picks the day's candidates from bar history.
type Selector interface {
	Select(bars map[string][]models.Bar) []models.Candidate
}

// Journal records submitted batches for auditing. Recording is best-effort.
type Journal interface {
	AddTrades(date string, records []models.TradeRecord) error
	CloseBatch(date string) error
}

type Config struct {
	Notional         float64
	OpenTradeCount   int
	TakeProfitPct    float64
	StopLossPct      float64
	MaxHold          time.Duration
	MarketOpen       string
	WindowOpenOffset time.Duration
	WindowLength     time.Duration
	LookbackMinutes  int
	Location         *time.Location
}

func DefaultConfig() Config {
	loc, _ := time.LoadLocation("America/New_York")
	return Config{
		Notional:         1000,
		OpenTradeCount:   3,
		TakeProfitPct:    1.5,
		StopLossPct:      1.0,
		MaxHold:          2 * time.Hour,
		MarketOpen:       "09:30",
		WindowOpenOffset: time.Minute,
		WindowLength:     5 * time.Minute,
		LookbackMinutes:  90,
		Location:         loc,
	}
}

type state int

const (
	stateIdle state = iota
	stateNoBatch
	stateMonitoring
	stateReported
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateNoBatch:
		return "no_batch"
	case stateMonitoring:
		return "monitoring"
	case stateReported:
		return "reported"
	}
	return "unknown"
}

// Manager owns the batch state for the current trading day. Cycle is called
// from a single goroutine; no internal locking is needed.
type Manager struct {
	market    MarketData
	broker    Broker
	selector  Selector
	notifier  notify.Notifier
	journal   Journal
	watchlist []string
	config    Config

	day        string
	st         state
	items      []models.BatchItem
	batchStart time.Time

	now func() time.Time
}

// New creates a manager. journal may be nil to disable batch auditing.
func New(market MarketData, broker Broker, selector Selector, notifier notify.Notifier, journal Journal, watchlist []string, config Config) *Manager {
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Manager{
		market:    market,
		broker:    broker,
		selector:  selector,
		notifier:  notifier,
		journal:   journal,
		watchlist: watchlist,
		config:    config,
		st:        stateIdle,
		now:       time.Now,
	}
}

// Cycle advances the state machine once. Errors are returned for the caller's
// backoff handling; the manager stays in its current state and resumes on the
// next cycle.
func (m *Manager) Cycle(ctx context.Context) error {
	now := m.now().In(m.config.Location)

	day := now.Format("2006-01-02")
	if day != m.day {
		if m.day != "" {
			logger.Info("Trading day rollover %s -> %s (was %s)", m.day, day, m.st)
		}
		m.day = day
		m.st = stateIdle
		m.items = nil
	}

	switch m.st {
	case stateIdle:
		if !m.inOpenWindow(now) {
			return nil
		}
		return m.openBatch(ctx, now)
	case stateMonitoring:
		return m.monitorBatch(ctx, now)
	default:
		return nil
	}
}

func (m *Manager) inOpenWindow(now time.Time) bool {
	open, err := time.ParseInLocation("15:04", m.config.MarketOpen, m.config.Location)
	if err != nil {
		logger.Error("Invalid market open time %q: %v", m.config.MarketOpen, err)
		return false
	}
	windowStart := time.Date(now.Year(), now.Month(), now.Day(), open.Hour(), open.Minute(), 0, 0, m.config.Location).
		Add(m.config.WindowOpenOffset)
	windowEnd := windowStart.Add(m.config.WindowLength)
	return !now.Before(windowStart) && !now.After(windowEnd)
}

func (m *Manager) openBatch(ctx context.Context, now time.Time) error {
	start := now.Add(-time.Duration(m.config.LookbackMinutes) * time.Minute)
	bars, err := m.market.MinuteBars(ctx, m.watchlist, start, now)
	if err != nil {
		return fmt.Errorf("lookback fetch: %w", err)
	}

	candidates := m.selector.Select(bars)
	if len(candidates) < m.config.OpenTradeCount {
		var partial []string
		for _, c := range candidates {
			partial = append(partial, fmt.Sprintf("%s %s (%.2f)", c.Symbol, c.Side, c.Score))
		}
		list := "none"
		if len(partial) > 0 {
			list = strings.Join(partial, ", ")
		}
		m.send(fmt.Sprintf("⚠️ %s: only %d of %d candidates qualified, no batch today. Qualified: %s",
			m.day, len(candidates), m.config.OpenTradeCount, list))
		m.st = stateNoBatch
		logger.Info("No batch for %s: %d candidates", m.day, len(candidates))
		return nil
	}

	records := make([]models.TradeRecord, 0, len(candidates))
	var opened, failed []string
	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			logger.Warn("Skipping invalid candidate %s: %v", c.Symbol, err)
			failed = append(failed, fmt.Sprintf("%s (%v)", c.Symbol, err))
			continue
		}
		order := m.bracketFor(c)
		_, err := m.broker.SubmitBracket(ctx, order)
		if err != nil {
			logger.Error("Bracket submission failed for %s: %v", c.Symbol, err)
			failed = append(failed, fmt.Sprintf("%s (%v)", c.Symbol, err))
		} else {
			opened = append(opened, fmt.Sprintf("%s %s $%.0f @ ~$%.2f", c.Symbol, c.Side, m.config.Notional, c.ReferencePrice))
		}
		records = append(records, models.TradeRecord{
			Symbol:    c.Symbol,
			Side:      c.Side,
			Score:     c.Score,
			RefPrice:  c.ReferencePrice,
			Submitted: err == nil,
		})
		m.items = append(m.items, models.BatchItem{Symbol: c.Symbol, Side: c.Side})
	}

	if m.journal != nil {
		if err := m.journal.AddTrades(m.day, records); err != nil {
			logger.Warn("Failed to journal batch for %s: %v", m.day, err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📦 Batch opened for %s:\n", m.day)
	for _, line := range opened {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "Failed submissions: %s", strings.Join(failed, ", "))
	}
	m.send(b.String())

	m.batchStart = now
	m.st = stateMonitoring
	logger.Info("Batch opened for %s: %d submitted, %d failed", m.day, len(opened), len(failed))
	return nil
}

// bracketFor mirrors the exit offsets by side: long takes profit above and
// stops below the reference price, short the opposite.
func (m *Manager) bracketFor(c models.Candidate) models.BracketOrder {
	tp := c.ReferencePrice * (1 + m.config.TakeProfitPct/100)
	sl := c.ReferencePrice * (1 - m.config.StopLossPct/100)
	if c.Side == models.SideShort {
		tp = c.ReferencePrice * (1 - m.config.TakeProfitPct/100)
		sl = c.ReferencePrice * (1 + m.config.StopLossPct/100)
	}
	return models.BracketOrder{
		Symbol:     c.Symbol,
		Side:       c.Side,
		Notional:   m.config.Notional,
		TakeProfit: tp,
		StopLoss:   sl,
	}
}

func (m *Manager) monitorBatch(ctx context.Context, now time.Time) error {
	open, err := m.broker.OpenPositionSymbols(ctx)
	if err != nil {
		return fmt.Errorf("open positions fetch: %w", err)
	}

	var stillOpen []string
	for _, item := range m.items {
		if open[item.Symbol] {
			stillOpen = append(stillOpen, item.Symbol)
		}
	}

	if len(stillOpen) > 0 && now.Sub(m.batchStart) >= m.config.MaxHold {
		m.send(fmt.Sprintf("⏰ Max hold reached for %s, force-closing: %s", m.day, strings.Join(stillOpen, ", ")))
		for _, symbol := range stillOpen {
			if err := m.broker.ClosePositionMarket(ctx, symbol); err != nil {
				// Retried next cycle while the position stays open.
				logger.Error("Force-close failed for %s: %v", symbol, err)
			}
		}
		return nil
	}

	if len(stillOpen) > 0 {
		logger.Debug("Batch %s monitoring: %d of %d still open", m.day, len(stillOpen), len(m.items))
		return nil
	}

	var lines []string
	for _, item := range m.items {
		lines = append(lines, fmt.Sprintf("%s %s closed", item.Symbol, item.Side))
	}
	m.send(fmt.Sprintf("✅ Batch for %s complete:\n- %s", m.day, strings.Join(lines, "\n- ")))

	if m.journal != nil {
		if err := m.journal.CloseBatch(m.day); err != nil {
			logger.Warn("Failed to close journaled batch for %s: %v", m.day, err)
		}
	}

	m.items = nil
	m.st = stateReported
	logger.Info("Batch for %s reported", m.day)
	return nil
}

func (m *Manager) send(text string) {
	if err := m.notifier.Send(text); err != nil {
		logger.Warn("Failed to deliver lifecycle notice: %v", err)
	}
}
