// Package grade scores candidate symbols from RSI and trend-vs-moving-average
// divergence, ranks them, and runs a standing radar over the watchlist.
package grade

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/models"
	"github.com/tapeflow/stockpulse/internal/notify"
)

type Config struct {
	RSIPeriod       int
	MAWindow        int
	RSIMaxLong      float64
	RSIMinShort     float64
	MinTrendPct     float64
	MinRSIBuffer    float64
	OpenTradeCount  int
	RealertInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RSIPeriod:       14,
		MAWindow:        20,
		RSIMaxLong:      62,
		RSIMinShort:     38,
		MinTrendPct:     0.2,
		MinRSIBuffer:    4,
		OpenTradeCount:  3,
		RealertInterval: 15 * time.Minute,
	}
}

// Engine grades bar histories into candidates. The radar state (last notice
// per symbol) is the only mutable part.
type Engine struct {
	notifier notify.Notifier
	config   Config

	mu         sync.Mutex
	lastNotice map[string]time.Time

	now func() time.Time
}

func New(notifier notify.Notifier, config Config) *Engine {
	return &Engine{
		notifier:   notifier,
		config:     config,
		lastNotice: make(map[string]time.Time),
		now:        time.Now,
	}
}

// minBars is the history needed for a meaningful MA and RSI.
func (e *Engine) minBars() int {
	n := e.config.MAWindow + 2
	if n < 25 {
		n = 25
	}
	if n < e.config.RSIPeriod+1 {
		n = e.config.RSIPeriod + 1
	}
	return n
}

// rsi computes the Relative Strength Index over the trailing period using a
// plain arithmetic mean of gains and losses.
func (e *Engine) rsi(closes []float64) float64 {
	period := e.config.RSIPeriod
	start := len(closes) - period - 1

	var gains, losses float64
	for i := start + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Evaluate grades one symbol's bar history. The moving average excludes the
// most recent bar so a fresh push away from it registers as divergence.
func (e *Engine) Evaluate(symbol string, bars []models.Bar) (models.Candidate, bool) {
	if len(bars) < e.minBars() {
		logger.Debug("Skipping %s: %d bars, need %d", symbol, len(bars), e.minBars())
		return models.Candidate{}, false
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	closeNow := closes[len(closes)-1]

	var sum float64
	for _, c := range closes[len(closes)-1-e.config.MAWindow : len(closes)-1] {
		sum += c
	}
	ma := sum / float64(e.config.MAWindow)
	rsi := e.rsi(closes)

	var side models.Side
	var trendPct, buffer float64
	switch {
	case closeNow > ma && rsi < e.config.RSIMaxLong:
		side = models.SideLong
		trendPct = (closeNow/ma - 1) * 100
		buffer = e.config.RSIMaxLong - rsi
	case closeNow < ma && rsi > e.config.RSIMinShort:
		side = models.SideShort
		trendPct = (ma/closeNow - 1) * 100
		buffer = rsi - e.config.RSIMinShort
	default:
		return models.Candidate{}, false
	}

	if trendPct < e.config.MinTrendPct || buffer < e.config.MinRSIBuffer {
		return models.Candidate{}, false
	}

	return models.Candidate{
		Symbol:         symbol,
		Side:           side,
		Score:          trendPct*2 + buffer*0.5,
		ReferencePrice: closeNow,
		RSI:            rsi,
		TrendPct:       trendPct,
		RSIBuffer:      buffer,
	}, true
}

// Rank returns the top n candidates by score, descending. The sort is stable:
// ties keep their input order.
func Rank(candidates []models.Candidate, n int) []models.Candidate {
	ranked := append([]models.Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Select evaluates every symbol's bars and returns the top openTradeCount
// candidates. Symbols are walked in sorted order so ranking is deterministic.
func (e *Engine) Select(bars map[string][]models.Bar) []models.Candidate {
	var candidates []models.Candidate
	for _, symbol := range sortedKeys(bars) {
		if c, ok := e.Evaluate(symbol, bars[symbol]); ok {
			candidates = append(candidates, c)
		}
	}
	return Rank(candidates, e.config.OpenTradeCount)
}

// Scan runs the same evaluation as a standing radar: every qualifying symbol
// produces a notice, rate-limited per symbol by the re-alert interval.
func (e *Engine) Scan(bars map[string][]models.Bar) []models.Candidate {
	var candidates []models.Candidate
	now := e.now()

	for _, symbol := range sortedKeys(bars) {
		c, ok := e.Evaluate(symbol, bars[symbol])
		if !ok {
			continue
		}
		candidates = append(candidates, c)

		e.mu.Lock()
		last, seen := e.lastNotice[symbol]
		due := !seen || now.Sub(last) >= e.config.RealertInterval
		if due {
			e.lastNotice[symbol] = now
		}
		e.mu.Unlock()
		if !due {
			continue
		}

		text := fmt.Sprintf("🎯 %s qualifies %s: score %.2f (trend %+.2f%%, RSI %.1f, buffer %.1f) @ $%.2f",
			c.Symbol, c.Side, c.Score, c.TrendPct, c.RSI, c.RSIBuffer, c.ReferencePrice)
		if err := e.notifier.Send(text); err != nil {
			logger.Warn("Failed to deliver radar notice for %s: %v", symbol, err)
		}
	}
	return candidates
}

func sortedKeys(bars map[string][]models.Bar) []string {
	keys := make([]string, 0, len(bars))
	for k := range bars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
