package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tapeflow/stockpulse/internal/alpaca"
	"github.com/tapeflow/stockpulse/internal/config"
	"github.com/tapeflow/stockpulse/internal/grade"
	"github.com/tapeflow/stockpulse/internal/health"
	"github.com/tapeflow/stockpulse/internal/lifecycle"
	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/notify"
	"github.com/tapeflow/stockpulse/internal/position"
	sig "github.com/tapeflow/stockpulse/internal/signal"
	"github.com/tapeflow/stockpulse/internal/storage"
	"github.com/tapeflow/stockpulse/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	apiKey := os.Getenv("ALPACA_API_KEY")
	apiSecret := os.Getenv("ALPACA_SECRET_KEY")
	baseURL := os.Getenv("ALPACA_BASE_URL")
	if apiKey == "" || apiSecret == "" {
		logger.Fatal("ALPACA_API_KEY and ALPACA_SECRET_KEY must be set")
	}

	journal, err := storage.New(cfg.Storage.MaxSignals, cfg.Storage.DBPath)
	if err != nil {
		logger.Fatal("Failed to initialize journal: %v", err)
	}
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Error("Failed to close journal: %v", err)
		}
	}()

	broker, err := alpaca.NewClient(apiKey, apiSecret, baseURL)
	if err != nil {
		logger.Fatal("Failed to initialize Alpaca client: %v", err)
	}

	var notifier notify.Notifier = notify.NewLog()
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		token := os.Getenv("TELEGRAM_BOT_TOKEN")
		if token == "" {
			logger.Fatal("TELEGRAM_BOT_TOKEN must be set when telegram is enabled")
		}
		telegramClient, err = telegram.NewClient(token, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase, broker)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled, alerts go to the log")
	}

	loc, err := time.LoadLocation(cfg.Lifecycle.Timezone)
	if err != nil {
		logger.Fatal("Invalid timezone %q: %v", cfg.Lifecycle.Timezone, err)
	}

	detector := sig.New(broker, notifier, journal, sig.Config{
		ImbalanceUp:       cfg.Signal.ImbalanceUp,
		ImbalanceDown:     cfg.Signal.ImbalanceDown,
		MaxSpread:         cfg.Signal.MaxSpread,
		MomentumThreshold: cfg.Signal.MomentumThreshold,
		Hold:              cfg.Signal.Hold,
		Cooldown:          cfg.Signal.Cooldown,
	})

	tracker := position.NewTracker(broker, broker, notifier, position.Config{
		MinMove:      cfg.Position.MinMove,
		MaxSilence:   cfg.Position.MaxSilence,
		PollInterval: cfg.Position.PollInterval,
	})
	dispatcher := position.NewDispatcher(tracker, cfg.Position.FillQueueSize)

	engine := grade.New(notifier, grade.Config{
		RSIPeriod:       cfg.Grade.RSIPeriod,
		MAWindow:        cfg.Grade.MAWindow,
		RSIMaxLong:      cfg.Grade.RSIMaxLong,
		RSIMinShort:     cfg.Grade.RSIMinShort,
		MinTrendPct:     cfg.Grade.MinTrendPct,
		MinRSIBuffer:    cfg.Grade.MinRSIBuffer,
		OpenTradeCount:  cfg.Lifecycle.OpenTradeCount,
		RealertInterval: cfg.Grade.RealertInterval,
	})

	manager := lifecycle.New(broker, broker, engine, notifier, journal, cfg.Watchlist, lifecycle.Config{
		Notional:         cfg.Lifecycle.Notional,
		OpenTradeCount:   cfg.Lifecycle.OpenTradeCount,
		TakeProfitPct:    cfg.Lifecycle.TakeProfitPct,
		StopLossPct:      cfg.Lifecycle.StopLossPct,
		MaxHold:          cfg.Lifecycle.MaxHold,
		MarketOpen:       cfg.Lifecycle.MarketOpen,
		WindowOpenOffset: cfg.Lifecycle.WindowOpenOffset,
		WindowLength:     cfg.Lifecycle.WindowLength,
		LookbackMinutes:  cfg.Lifecycle.LookbackMinutes,
		Location:         loc,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if cfg.Health.Enabled {
		srv := health.Start(cfg.Health.Addr)
		defer srv.Shutdown(context.Background()) //nolint:errcheck
		logger.Info("Health endpoint listening on %s", cfg.Health.Addr)
	}

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	go dispatcher.Run(ctx)
	go streamFills(ctx, broker, dispatcher)
	go radarLoop(ctx, broker, engine, cfg)
	go lifecycleLoop(ctx, manager, telegramClient, cfg)

	logger.Info("Starting signal detection (watchlist: %v, interval: %v)", cfg.Watchlist, cfg.Signal.PollInterval)

	ticker := time.NewTicker(cfg.Signal.PollInterval)
	defer ticker.Stop()

	cycles := newCycleTracker("signal", telegramClient)
	cycles.handle(detector.Poll(ctx, cfg.Watchlist))

	for {
		select {
		case <-ctx.Done():
			tracker.Wait()
			logger.Info("Service stopped")
			return
		case <-ticker.C:
			cycles.handle(detector.Poll(ctx, cfg.Watchlist))
		}
	}
}

// streamFills keeps the brokerage trade-update stream alive, feeding completed
// fills into the dispatcher.
func streamFills(ctx context.Context, broker *alpaca.Client, dispatcher *position.Dispatcher) {
	for {
		err := broker.StreamFills(ctx, dispatcher.Enqueue)
		if ctx.Err() != nil {
			return
		}
		logger.Error("Fill stream dropped: %v, reconnecting in 5s", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// radarLoop feeds the standing radar with fresh bar history.
func radarLoop(ctx context.Context, broker *alpaca.Client, engine *grade.Engine, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Grade.RadarPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			end := time.Now()
			start := end.Add(-time.Duration(cfg.Lifecycle.LookbackMinutes) * time.Minute)
			bars, err := broker.MinuteBars(ctx, cfg.Watchlist, start, end)
			if err != nil {
				logger.Warn("Radar bar fetch failed: %v", err)
				continue
			}
			engine.Scan(bars)
		}
	}
}

// lifecycleLoop drives the daily batch state machine with a fixed backoff
// after a failed cycle.
func lifecycleLoop(ctx context.Context, manager *lifecycle.Manager, telegramClient *telegram.Client, cfg *config.Config) {
	ticker := time.NewTicker(cfg.Lifecycle.PollInterval)
	defer ticker.Stop()

	cycles := newCycleTracker("lifecycle", telegramClient)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := manager.Cycle(ctx)
			cycles.handle(err)
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(cfg.Lifecycle.Backoff):
				}
			}
		}
	}
}

// cycleTracker reports the first of a run of consecutive failures and the
// recovery after it, mirroring per-cycle error policy across loops.
type cycleTracker struct {
	name           string
	telegramClient *telegram.Client
	failures       int
}

func newCycleTracker(name string, telegramClient *telegram.Client) *cycleTracker {
	return &cycleTracker{name: name, telegramClient: telegramClient}
}

func (c *cycleTracker) handle(err error) {
	if err != nil {
		c.failures++
		logger.Error("%s cycle failed: %v", c.name, err)
		if c.failures == 1 && c.telegramClient != nil {
			if sendErr := c.telegramClient.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		return
	}
	if c.failures > 0 && c.telegramClient != nil {
		if sendErr := c.telegramClient.SendRecovery(c.failures); sendErr != nil {
			logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
		}
	}
	c.failures = 0
}
