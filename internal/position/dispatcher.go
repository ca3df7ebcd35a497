package position

import (
	"context"

	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/models"
)

// Dispatcher funnels asynchronous fill events through a bounded queue and a
// single consumer, so create and merge for the same symbol are serialized.
type Dispatcher struct {
	tracker *Tracker
	queue   chan models.FillEvent
}

func NewDispatcher(tracker *Tracker, queueSize int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 64
	}
	return &Dispatcher{
		tracker: tracker,
		queue:   make(chan models.FillEvent, queueSize),
	}
}

// Enqueue hands a fill event to the consumer without blocking the stream
// callback. A full queue drops the event with a warning.
func (d *Dispatcher) Enqueue(ev models.FillEvent) {
	select {
	case d.queue <- ev:
	default:
		logger.Warn("Fill queue full, dropping %s %s event", ev.Symbol, ev.Side)
	}
}

// Run consumes fill events until ctx is cancelled. Only completed fills are
// acted on; everything else is ignored.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if !ev.Filled() {
				logger.Debug("Ignoring %s %s update with status %q", ev.Symbol, ev.Side, ev.Status)
				continue
			}
			switch ev.Side {
			case models.FillBuy:
				d.tracker.Start(ctx, ev.Symbol, ev.AvgPrice, ev.Qty)
			case models.FillSell:
				if err := d.tracker.StopIfClosed(ctx, ev.Symbol); err != nil {
					logger.Warn("Stop check failed for %s: %v", ev.Symbol, err)
				}
			}
		}
	}
}
