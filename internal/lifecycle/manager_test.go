package lifecycle

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/tapeflow/stockpulse/internal/models"
)

type fakeMarket struct {
	bars map[string][]models.Bar
	err  error
}

func (f *fakeMarket) MinuteBars(_ context.Context, _ []string, _, _ time.Time) (map[string][]models.Bar, error) {
	return f.bars, f.err
}

type fakeBroker struct {
	submitted  []models.BracketOrder
	submitErrs map[string]error
	open       map[string]bool
	closed     []string
	openErr    error
}

func (f *fakeBroker) SubmitBracket(_ context.Context, order models.BracketOrder) (string, error) {
	if err := f.submitErrs[order.Symbol]; err != nil {
		return "", err
	}
	f.submitted = append(f.submitted, order)
	return "order-" + order.Symbol, nil
}

func (f *fakeBroker) OpenPositionSymbols(_ context.Context) (map[string]bool, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.open, nil
}

func (f *fakeBroker) ClosePositionMarket(_ context.Context, symbol string) error {
	f.closed = append(f.closed, symbol)
	delete(f.open, symbol)
	return nil
}

type fakeSelector struct {
	candidates []models.Candidate
}

func (f *fakeSelector) Select(_ map[string][]models.Bar) []models.Candidate {
	return f.candidates
}

type fakeJournal struct {
	added  map[string][]models.TradeRecord
	closed []string
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{added: make(map[string][]models.TradeRecord)}
}

func (f *fakeJournal) AddTrades(date string, records []models.TradeRecord) error {
	f.added[date] = append(f.added[date], records...)
	return nil
}

func (f *fakeJournal) CloseBatch(date string) error {
	f.closed = append(f.closed, date)
	return nil
}

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Send(text string) error {
	f.messages = append(f.messages, text)
	return nil
}

func threeCandidates() []models.Candidate {
	return []models.Candidate{
		{Symbol: "AAPL", Side: models.SideLong, Score: 9, ReferencePrice: 230},
		{Symbol: "NVDA", Side: models.SideLong, Score: 7, ReferencePrice: 500},
		{Symbol: "TSLA", Side: models.SideShort, Score: 5, ReferencePrice: 250},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

// newTestManager wires a manager with a movable clock starting inside the
// open window (09:31-09:36 UTC).
func newTestManager(broker *fakeBroker, sel *fakeSelector, journal *fakeJournal, notifier *fakeNotifier) (*Manager, *time.Time) {
	m := New(&fakeMarket{bars: map[string][]models.Bar{}}, broker, sel, notifier, journal, []string{"AAPL", "NVDA", "TSLA"}, testConfig())
	current := time.Date(2026, 8, 24, 9, 32, 0, 0, time.UTC)
	m.now = func() time.Time { return current }
	return m, &current
}

func TestBatchOpensOncePerDay(t *testing.T) {
	broker := &fakeBroker{open: map[string]bool{}}
	journal := newFakeJournal()
	m, _ := newTestManager(broker, &fakeSelector{candidates: threeCandidates()}, journal, &fakeNotifier{})

	ctx := context.Background()
	if err := m.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.st != stateMonitoring {
		t.Fatalf("state = %s, want monitoring", m.st)
	}
	if len(broker.submitted) != 3 {
		t.Fatalf("submitted %d orders, want 3", len(broker.submitted))
	}
	if got := journal.added["2026-08-24"]; len(got) != 3 {
		t.Fatalf("journaled %d records, want 3", len(got))
	}

	// Still inside the window: a second cycle must not resubmit.
	if err := m.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(broker.submitted) != 3 {
		t.Fatalf("second cycle resubmitted, total %d", len(broker.submitted))
	}
}

func TestOutsideWindowStaysIdle(t *testing.T) {
	broker := &fakeBroker{open: map[string]bool{}}
	m, current := newTestManager(broker, &fakeSelector{candidates: threeCandidates()}, newFakeJournal(), &fakeNotifier{})

	*current = time.Date(2026, 8, 24, 9, 30, 30, 0, time.UTC) // before offset
	m.Cycle(context.Background())
	*current = time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC) // after window
	m.Cycle(context.Background())

	if m.st != stateIdle || len(broker.submitted) != 0 {
		t.Fatalf("state=%s submitted=%d, want idle with none", m.st, len(broker.submitted))
	}
}

func TestTooFewCandidatesShortCircuits(t *testing.T) {
	broker := &fakeBroker{open: map[string]bool{}}
	notifier := &fakeNotifier{}
	sel := &fakeSelector{candidates: threeCandidates()[:1]}
	m, _ := newTestManager(broker, sel, newFakeJournal(), notifier)

	ctx := context.Background()
	if err := m.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.st != stateNoBatch {
		t.Fatalf("state = %s, want no_batch", m.st)
	}
	if len(broker.submitted) != 0 {
		t.Fatal("orders submitted despite short candidate list")
	}
	if len(notifier.messages) != 1 || !strings.Contains(notifier.messages[0], "AAPL") {
		t.Fatalf("warning should list partial candidates: %v", notifier.messages)
	}

	// Terminal for the day: no same-day retry even with a full list.
	sel.candidates = threeCandidates()
	m.Cycle(ctx)
	if len(broker.submitted) != 0 {
		t.Fatal("no_batch state retried same day")
	}
}

func TestSubmissionFailureDoesNotBlockOthers(t *testing.T) {
	broker := &fakeBroker{
		open:       map[string]bool{},
		submitErrs: map[string]error{"NVDA": errors.New("rejected")},
	}
	notifier := &fakeNotifier{}
	journal := newFakeJournal()
	m, _ := newTestManager(broker, &fakeSelector{candidates: threeCandidates()}, journal, notifier)

	if err := m.Cycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(broker.submitted) != 2 {
		t.Fatalf("submitted %d orders, want 2", len(broker.submitted))
	}
	if m.st != stateMonitoring || len(m.items) != 3 {
		t.Fatalf("state=%s items=%d, want monitoring with all 3 tracked", m.st, len(m.items))
	}

	records := journal.added["2026-08-24"]
	var failed int
	for _, r := range records {
		if !r.Submitted {
			failed++
		}
	}
	if failed != 1 {
		t.Fatalf("journal shows %d failed submissions, want 1", failed)
	}
	if !strings.Contains(notifier.messages[len(notifier.messages)-1], "Failed submissions") {
		t.Fatalf("batch notice missing failure section: %v", notifier.messages)
	}
}

func TestForceCloseAtMaxHoldThenReport(t *testing.T) {
	broker := &fakeBroker{open: map[string]bool{}}
	notifier := &fakeNotifier{}
	journal := newFakeJournal()
	m, current := newTestManager(broker, &fakeSelector{candidates: threeCandidates()}, journal, notifier)

	ctx := context.Background()
	m.Cycle(ctx)

	// Fills land; two positions remain open past the hold limit.
	broker.open = map[string]bool{"AAPL": true, "TSLA": true}
	*current = current.Add(30 * time.Minute)
	m.Cycle(ctx)
	if len(broker.closed) != 0 {
		t.Fatal("force-closed before max hold")
	}

	*current = current.Add(2 * time.Hour)
	if err := m.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(broker.closed) != 2 {
		t.Fatalf("closed %d positions, want 2", len(broker.closed))
	}
	if m.st != stateMonitoring {
		t.Fatalf("state = %s, want monitoring until positions confirmed gone", m.st)
	}

	// Next cycle observes everything closed and reports once.
	if err := m.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.st != stateReported {
		t.Fatalf("state = %s, want reported", m.st)
	}
	report := notifier.messages[len(notifier.messages)-1]
	for _, symbol := range []string{"AAPL", "NVDA", "TSLA"} {
		if !strings.Contains(report, symbol) {
			t.Errorf("report missing %s: %q", symbol, report)
		}
	}
	if len(journal.closed) != 1 || journal.closed[0] != "2026-08-24" {
		t.Fatalf("journal batch closure = %v", journal.closed)
	}
}

func TestReportWaitsForAllPositionsClosed(t *testing.T) {
	broker := &fakeBroker{open: map[string]bool{}}
	m, _ := newTestManager(broker, &fakeSelector{candidates: threeCandidates()}, newFakeJournal(), &fakeNotifier{})

	ctx := context.Background()
	m.Cycle(ctx)

	broker.open = map[string]bool{"NVDA": true}
	m.Cycle(ctx)
	if m.st != stateMonitoring {
		t.Fatalf("reported while NVDA still open, state = %s", m.st)
	}

	broker.open = map[string]bool{}
	m.Cycle(ctx)
	if m.st != stateReported {
		t.Fatalf("state = %s, want reported", m.st)
	}
}

func TestDayRolloverResets(t *testing.T) {
	broker := &fakeBroker{open: map[string]bool{}}
	m, current := newTestManager(broker, &fakeSelector{candidates: threeCandidates()}, newFakeJournal(), &fakeNotifier{})

	ctx := context.Background()
	m.Cycle(ctx)
	m.Cycle(ctx) // all filled-and-closed immediately, reaches reported
	if m.st != stateReported {
		t.Fatalf("state = %s, want reported", m.st)
	}

	// Next trading day, inside the window again: a fresh batch opens.
	*current = current.Add(24 * time.Hour)
	if err := m.Cycle(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.st != stateMonitoring {
		t.Fatalf("state = %s, want monitoring on the new day", m.st)
	}
	if len(broker.submitted) != 6 {
		t.Fatalf("submitted %d orders across two days, want 6", len(broker.submitted))
	}
}

func TestBracketExitsMirroredBySide(t *testing.T) {
	m, _ := newTestManager(&fakeBroker{}, &fakeSelector{}, newFakeJournal(), &fakeNotifier{})

	near := func(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

	long := m.bracketFor(models.Candidate{Symbol: "AAPL", Side: models.SideLong, ReferencePrice: 200})
	if !near(long.TakeProfit, 203) || !near(long.StopLoss, 198) {
		t.Errorf("long exits tp=%.2f sl=%.2f, want 203.00/198.00", long.TakeProfit, long.StopLoss)
	}

	short := m.bracketFor(models.Candidate{Symbol: "TSLA", Side: models.SideShort, ReferencePrice: 200})
	if !near(short.TakeProfit, 197) || !near(short.StopLoss, 202) {
		t.Errorf("short exits tp=%.2f sl=%.2f, want 197.00/202.00", short.TakeProfit, short.StopLoss)
	}
}

func TestMonitorFetchErrorKeepsState(t *testing.T) {
	broker := &fakeBroker{open: map[string]bool{}}
	m, _ := newTestManager(broker, &fakeSelector{candidates: threeCandidates()}, newFakeJournal(), &fakeNotifier{})

	ctx := context.Background()
	m.Cycle(ctx)

	broker.openErr = errors.New("api down")
	if err := m.Cycle(ctx); err == nil {
		t.Fatal("expected fetch error to surface")
	}
	if m.st != stateMonitoring {
		t.Fatalf("state = %s, want monitoring preserved across the error", m.st)
	}
}
