package signal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tapeflow/stockpulse/internal/models"
)

type fakeMarket struct {
	quotes    map[string]models.QuoteSnapshot
	trades    map[string]float64
	quoteErrs map[string]error
}

func (f *fakeMarket) LatestQuote(_ context.Context, symbol string) (models.QuoteSnapshot, error) {
	if err := f.quoteErrs[symbol]; err != nil {
		return models.QuoteSnapshot{}, err
	}
	return f.quotes[symbol], nil
}

func (f *fakeMarket) LatestTrade(_ context.Context, symbol string) (float64, error) {
	return f.trades[symbol], nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Send(text string) error {
	f.messages = append(f.messages, text)
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MomentumThreshold = 0 // keep hysteresis tests independent of momentum
	return cfg
}

func goodUpQuote() models.QuoteSnapshot {
	return models.QuoteSnapshot{Bid: 100.00, Ask: 100.01, BidSize: 500, AskSize: 100}
}

func neutralQuote() models.QuoteSnapshot {
	return models.QuoteSnapshot{Bid: 100.00, Ask: 100.01, BidSize: 100, AskSize: 100}
}

func TestFireRequiresHoldAndCooldown(t *testing.T) {
	market := &fakeMarket{
		quotes: map[string]models.QuoteSnapshot{"AAPL": goodUpQuote()},
		trades: map[string]float64{"AAPL": 100.0},
	}
	notifier := &fakeNotifier{}
	d := New(market, notifier, nil, testConfig())

	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := start
	d.now = func() time.Time { return current }

	ctx := context.Background()
	symbols := []string{"AAPL"}

	// Condition recorded at start; one second shy of the hold must not fire.
	d.Poll(ctx, symbols)
	current = start.Add(29 * time.Second)
	d.Poll(ctx, symbols)
	if len(notifier.messages) != 0 {
		t.Fatalf("fired before hold elapsed: %v", notifier.messages)
	}

	// Past the hold it fires exactly once.
	current = start.Add(31 * time.Second)
	d.Poll(ctx, symbols)
	if len(notifier.messages) != 1 {
		t.Fatalf("expected exactly 1 alert, got %d", len(notifier.messages))
	}
	if !strings.Contains(notifier.messages[0], "AAPL") || !strings.Contains(notifier.messages[0], "up") {
		t.Errorf("unexpected alert text: %q", notifier.messages[0])
	}

	// Condition persists: a fresh episode satisfies the hold but the cooldown
	// suppresses it.
	current = start.Add(40 * time.Second)
	d.Poll(ctx, symbols)
	current = start.Add(2 * time.Minute)
	d.Poll(ctx, symbols)
	if len(notifier.messages) != 1 {
		t.Fatalf("alert fired during cooldown, got %d messages", len(notifier.messages))
	}

	// Once the cooldown elapses the standing condition fires again.
	current = start.Add(31*time.Second + 5*time.Minute)
	d.Poll(ctx, symbols)
	if len(notifier.messages) != 2 {
		t.Fatalf("expected 2 alerts after cooldown, got %d", len(notifier.messages))
	}
}

func TestRetractionOnEarlyCollapse(t *testing.T) {
	market := &fakeMarket{
		quotes: map[string]models.QuoteSnapshot{"NVDA": goodUpQuote()},
		trades: map[string]float64{"NVDA": 500.0},
	}
	notifier := &fakeNotifier{}
	d := New(market, notifier, nil, testConfig())

	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := start
	d.now = func() time.Time { return current }

	ctx := context.Background()
	symbols := []string{"NVDA"}

	d.Poll(ctx, symbols)

	// Condition collapses 10s into a 30s hold.
	market.quotes["NVDA"] = neutralQuote()
	current = start.Add(10 * time.Second)
	d.Poll(ctx, symbols)

	if len(notifier.messages) != 1 {
		t.Fatalf("expected 1 retraction, got %d", len(notifier.messages))
	}
	if !strings.Contains(notifier.messages[0], "retracted") {
		t.Errorf("unexpected retraction text: %q", notifier.messages[0])
	}

	// Pending episode is cleared: a later neutral cycle emits nothing more.
	current = start.Add(20 * time.Second)
	d.Poll(ctx, symbols)
	if len(notifier.messages) != 1 {
		t.Fatalf("retraction repeated: %v", notifier.messages)
	}
}

func TestMomentumGatesCondition(t *testing.T) {
	market := &fakeMarket{
		quotes: map[string]models.QuoteSnapshot{"AMD": goodUpQuote()},
		trades: map[string]float64{"AMD": 150.0},
	}
	notifier := &fakeNotifier{}
	cfg := DefaultConfig() // momentum threshold 0.001
	d := New(market, notifier, nil, cfg)

	start := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	current := start
	d.now = func() time.Time { return current }

	ctx := context.Background()
	symbols := []string{"AMD"}

	// First observation has zero momentum, no episode starts.
	d.Poll(ctx, symbols)
	d.mu.Lock()
	pending := !d.states["AMD"].pendingSince.IsZero()
	d.mu.Unlock()
	if pending {
		t.Fatal("episode started on first observation with zero momentum")
	}

	// Price ticks up 0.2%: momentum clears the threshold and the episode starts.
	market.trades["AMD"] = 150.3
	current = start.Add(2 * time.Second)
	d.Poll(ctx, symbols)
	d.mu.Lock()
	pending = !d.states["AMD"].pendingSince.IsZero()
	d.mu.Unlock()
	if !pending {
		t.Fatal("episode did not start despite positive momentum")
	}
}

func TestPerSymbolFailureDoesNotHaltOthers(t *testing.T) {
	market := &fakeMarket{
		quotes:    map[string]models.QuoteSnapshot{"MSFT": goodUpQuote()},
		trades:    map[string]float64{"MSFT": 400.0},
		quoteErrs: map[string]error{"TSLA": errors.New("feed down")},
	}
	notifier := &fakeNotifier{}
	d := New(market, notifier, nil, testConfig())

	if err := d.Poll(context.Background(), []string{"TSLA", "MSFT"}); err != nil {
		t.Fatalf("partial failure must not surface: %v", err)
	}

	d.mu.Lock()
	_, tracked := d.states["MSFT"]
	d.mu.Unlock()
	if !tracked {
		t.Fatal("healthy symbol was not evaluated after a failing one")
	}

	if err := d.Poll(context.Background(), []string{"TSLA"}); err == nil {
		t.Fatal("expected error when every symbol fails")
	}
}

func TestZeroSpreadSkipped(t *testing.T) {
	market := &fakeMarket{
		quotes: map[string]models.QuoteSnapshot{"AAPL": {Bid: 100.01, Ask: 100.00, BidSize: 900, AskSize: 1}},
		trades: map[string]float64{"AAPL": 100.0},
	}
	notifier := &fakeNotifier{}
	d := New(market, notifier, nil, testConfig())

	if err := d.Poll(context.Background(), []string{"AAPL"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.mu.Lock()
	_, tracked := d.states["AAPL"]
	d.mu.Unlock()
	if tracked {
		t.Fatal("crossed quote should be skipped without touching state")
	}
}

func TestDominantImbalanceSentinel(t *testing.T) {
	q := models.QuoteSnapshot{Bid: 50.00, Ask: 50.01, BidSize: 300, AskSize: 0}
	if got := q.Imbalance(); got != models.ImbalanceDominant {
		t.Fatalf("imbalance with empty ask side = %v, want %v", got, models.ImbalanceDominant)
	}
}
