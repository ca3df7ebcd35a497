// Package telegram provides a client for sending notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/models"
)

// PositionLister supplies open positions for the /positions command.
type PositionLister interface {
	OpenPositions(ctx context.Context) ([]models.Position, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	positions      PositionLister
}

// NewClient creates a new Telegram client. positions may be nil; the
// /positions command then reports that the broker is unavailable.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, positions PositionLister) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		positions:      positions,
	}, nil
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(ctx, update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		reply := tgbotapi.NewMessage(msg.Chat.ID, "Pong")
		c.bot.Send(reply) //nolint:errcheck
	case "positions":
		c.replyPositions(ctx, msg.Chat.ID)
	}
}

func (c *Client) replyPositions(ctx context.Context, chatID int64) {
	if c.positions == nil {
		c.bot.Send(tgbotapi.NewMessage(chatID, "Broker unavailable")) //nolint:errcheck
		return
	}
	positions, err := c.positions.OpenPositions(ctx)
	if err != nil {
		c.bot.Send(tgbotapi.NewMessage(chatID, fmt.Sprintf("Failed to fetch positions: %v", err))) //nolint:errcheck
		return
	}
	c.bot.Send(tgbotapi.NewMessage(chatID, formatPositions(positions))) //nolint:errcheck
}

// formatPositions renders the /positions reply.
func formatPositions(positions []models.Position) string {
	if len(positions) == 0 {
		return "No open positions"
	}
	var b strings.Builder
	b.WriteString("📊 Open positions:\n")
	for _, p := range positions {
		fmt.Fprintf(&b, "- %s qty=%.2f @ %.2f\n", p.Symbol, p.Qty, p.AvgEntryPrice)
	}
	return b.String()
}

// Send delivers a plain-text notice with linear-backoff retry.
func (c *Client) Send(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelayBase * time.Duration(i+1))
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError sends a cycle error notification.
// Call this only on the first occurrence of a consecutive error sequence.
func (c *Client) SendError(cycleErr error) error {
	return c.Send(fmt.Sprintf("⚠️ Cycle error: %s", cycleErr.Error()))
}

// SendRecovery sends a recovery notification after consecutive failures.
func (c *Client) SendRecovery(failureCount int) error {
	return c.Send(fmt.Sprintf("✅ Recovered after %d consecutive failure(s)", failureCount))
}

// Notify sends text and logs delivery failures instead of returning them.
// Handy for call sites that must never stall on the notifier.
func (c *Client) Notify(text string) {
	if err := c.Send(text); err != nil {
		logger.Warn("telegram delivery failed: %v", err)
	}
}
