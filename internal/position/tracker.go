// Package position tracks open positions against their volume-weighted entry
// price and emits price-follow notices from a per-symbol monitor.
package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tapeflow/stockpulse/internal/alpaca"
	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/models"
	"github.com/tapeflow/stockpulse/internal/notify"
)

// MarketData supplies the latest trade price for monitored symbols.
type MarketData interface {
	LatestTrade(ctx context.Context, symbol string) (float64, error)
}

// Broker answers whether a position is still open at the brokerage.
type Broker interface {
	Position(ctx context.Context, symbol string) (models.Position, error)
}

type Config struct {
	MinMove      float64
	MaxSilence   time.Duration
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinMove:      0.05,
		MaxSilence:   60 * time.Second,
		PollInterval: 3 * time.Second,
	}
}

type track struct {
	entryPrice     float64
	quantity       float64
	lastObserved   float64
	hasObserved    bool
	lastObservedAt time.Time
	running        bool
}

// Tracker owns the per-symbol track map. Start and StopIfClosed serialize
// through a single dispatcher goroutine; monitors take the same lock for their
// read-modify-write on a track.
type Tracker struct {
	market   MarketData
	broker   Broker
	notifier notify.Notifier
	config   Config

	mu     sync.Mutex
	tracks map[string]*track
	wg     sync.WaitGroup

	now func() time.Time
}

func NewTracker(market MarketData, broker Broker, notifier notify.Notifier, config Config) *Tracker {
	return &Tracker{
		market:   market,
		broker:   broker,
		notifier: notifier,
		config:   config,
		tracks:   make(map[string]*track),
		now:      time.Now,
	}
}

// Start begins tracking a symbol after a buy fill, or merges the fill into an
// existing track. At most one monitor runs per symbol.
func (t *Tracker) Start(ctx context.Context, symbol string, fillPrice, fillQty float64) {
	if fillQty <= 0 || fillPrice <= 0 {
		logger.Warn("Ignoring fill for %s with price=%.2f qty=%.2f", symbol, fillPrice, fillQty)
		return
	}

	t.mu.Lock()
	existing, tracked := t.tracks[symbol]
	if tracked && existing.running {
		oldEntry, oldQty := existing.entryPrice, existing.quantity
		existing.entryPrice = (oldEntry*oldQty + fillPrice*fillQty) / (oldQty + fillQty)
		existing.quantity = oldQty + fillQty
		entry, qty := existing.entryPrice, existing.quantity
		t.mu.Unlock()

		t.send(fmt.Sprintf("➕ %s added %.2f @ $%.2f, entry now $%.2f x %.2f", symbol, fillQty, fillPrice, entry, qty))
		return
	}

	fresh := &track{
		entryPrice:     fillPrice,
		quantity:       fillQty,
		lastObservedAt: t.now(),
		running:        true,
	}
	t.tracks[symbol] = fresh
	t.mu.Unlock()

	t.send(fmt.Sprintf("▶️ Tracking %s: %.2f @ $%.2f", symbol, fillQty, fillPrice))

	t.wg.Add(1)
	go t.monitor(ctx, symbol, fresh)
}

// StopIfClosed checks the brokerage after a sell fill and retires the track
// when the position is gone. The monitor exits at its next poll boundary.
func (t *Tracker) StopIfClosed(ctx context.Context, symbol string) error {
	t.mu.Lock()
	tr, tracked := t.tracks[symbol]
	t.mu.Unlock()
	if !tracked || !tr.running {
		return nil
	}

	_, err := t.broker.Position(ctx, symbol)
	if err == nil {
		// Partial exit: the position survives, keep monitoring.
		return nil
	}
	if !errors.Is(err, alpaca.ErrPositionNotFound) {
		return fmt.Errorf("position check for %s: %w", symbol, err)
	}

	t.mu.Lock()
	tr.running = false
	t.mu.Unlock()

	t.send(fmt.Sprintf("🏁 %s position closed, tracking stopped", symbol))
	return nil
}

// Wait blocks until every monitor has exited.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) monitor(ctx context.Context, symbol string, tr *track) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.observe(ctx, symbol, tr) {
				return
			}
		}
	}
}

// observe runs one monitor cycle for the track the monitor was launched with.
// Returns false once that track is retired or replaced, so a restart for the
// same symbol never leaves two monitors alive.
func (t *Tracker) observe(ctx context.Context, symbol string, tr *track) bool {
	t.mu.Lock()
	if t.tracks[symbol] != tr || !tr.running {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	price, err := t.market.LatestTrade(ctx, symbol)
	if err != nil {
		logger.Debug("Price poll failed for %s: %v", symbol, err)
		return true
	}

	t.mu.Lock()
	if t.tracks[symbol] != tr || !tr.running {
		t.mu.Unlock()
		return false
	}
	now := t.now()
	moved := !tr.hasObserved || math.Abs(price-tr.lastObserved) >= t.config.MinMove
	silent := now.Sub(tr.lastObservedAt) >= t.config.MaxSilence
	var entry float64
	if moved || silent {
		tr.lastObserved = price
		tr.hasObserved = true
		tr.lastObservedAt = now
		entry = tr.entryPrice
	}
	t.mu.Unlock()

	if moved || silent {
		glyph := "📈"
		if price < entry {
			glyph = "📉"
		}
		t.send(fmt.Sprintf("%s %s $%.2f (%+.2f vs entry $%.2f)", glyph, symbol, price, price-entry, entry))
	}
	return true
}

func (t *Tracker) send(text string) {
	if err := t.notifier.Send(text); err != nil {
		logger.Warn("Failed to deliver position notice: %v", err)
	}
}
