// Package alpaca wraps the Alpaca v3 SDK behind the narrow market-data and
// brokerage surface the rest of the system consumes.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/tapeflow/stockpulse/internal/logger"
	"github.com/tapeflow/stockpulse/internal/models"
)

// ErrPositionNotFound reports that the brokerage holds no position for the
// queried symbol.
var ErrPositionNotFound = errors.New("position not found")

// Client provides access to Alpaca trading and market data APIs.
type Client struct {
	trading *alpaca.Client
	market  *marketdata.Client
}

// NewClient creates a new Alpaca client. baseURL may be empty for the
// default (live) endpoint; point it at the paper endpoint for testing.
func NewClient(apiKey, apiSecret, baseURL string) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("alpaca api key and secret are required")
	}

	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	market := marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})

	return &Client{trading: trading, market: market}, nil
}

// LatestTrade returns the most recent trade price for symbol.
func (c *Client) LatestTrade(ctx context.Context, symbol string) (float64, error) {
	trade, err := c.market.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("failed to get latest trade for %s: %w", symbol, err)
	}
	return trade.Price, nil
}

// LatestQuote returns the best bid/ask with sizes for symbol.
func (c *Client) LatestQuote(ctx context.Context, symbol string) (models.QuoteSnapshot, error) {
	quote, err := c.market.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return models.QuoteSnapshot{}, fmt.Errorf("failed to get latest quote for %s: %w", symbol, err)
	}
	return models.QuoteSnapshot{
		Bid:     quote.BidPrice,
		Ask:     quote.AskPrice,
		BidSize: uint64(quote.BidSize),
		AskSize: uint64(quote.AskSize),
	}, nil
}

// MinuteBars returns 1-minute bars per symbol over [start, end].
func (c *Client) MinuteBars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]models.Bar, error) {
	raw, err := c.market.GetMultiBars(symbols, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     start,
		End:       end,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get minute bars: %w", err)
	}

	bars := make(map[string][]models.Bar, len(raw))
	for symbol, series := range raw {
		out := make([]models.Bar, 0, len(series))
		for _, b := range series {
			out = append(out, models.Bar{
				Timestamp: b.Timestamp,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			})
		}
		bars[symbol] = out
	}
	return bars, nil
}

// SubmitBracket submits a market-notional bracket order. Take-profit and
// stop-loss prices are rounded to whole cents to avoid sub-penny rejections.
func (c *Client) SubmitBracket(ctx context.Context, order models.BracketOrder) (string, error) {
	side := alpaca.Buy
	if order.Side == models.SideShort {
		side = alpaca.Sell
	}

	notional := decimal.NewFromFloat(order.Notional).Round(2)
	takeProfit := decimal.NewFromFloat(order.TakeProfit).Round(2)
	stopLoss := decimal.NewFromFloat(order.StopLoss).Round(2)

	placed, err := c.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Notional:    &notional,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
		OrderClass:  alpaca.Bracket,
		TakeProfit:  &alpaca.TakeProfit{LimitPrice: &takeProfit},
		StopLoss:    &alpaca.StopLoss{StopPrice: &stopLoss},
	})
	if err != nil {
		return "", fmt.Errorf("failed to place bracket order for %s: %w", order.Symbol, err)
	}
	return placed.ID, nil
}

// OpenPositionSymbols returns the set of symbols with an open position.
func (c *Client) OpenPositionSymbols(ctx context.Context) (map[string]bool, error) {
	positions, err := c.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	symbols := make(map[string]bool, len(positions))
	for _, p := range positions {
		symbols[p.Symbol] = true
	}
	return symbols, nil
}

// OpenPositions returns all open positions.
func (c *Client) OpenPositions(ctx context.Context) ([]models.Position, error) {
	positions, err := c.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	out := make([]models.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, models.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
		})
	}
	return out, nil
}

// Position returns the open position for symbol, or ErrPositionNotFound.
func (c *Client) Position(ctx context.Context, symbol string) (models.Position, error) {
	p, err := c.trading.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return models.Position{}, ErrPositionNotFound
		}
		return models.Position{}, fmt.Errorf("failed to get position for %s: %w", symbol, err)
	}
	return models.Position{
		Symbol:        p.Symbol,
		Qty:           p.Qty.InexactFloat64(),
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}, nil
}

// ClosePositionMarket closes the full position for symbol at market.
func (c *Client) ClosePositionMarket(ctx context.Context, symbol string) error {
	if _, err := c.trading.ClosePosition(symbol, alpaca.ClosePositionRequest{}); err != nil {
		return fmt.Errorf("failed to close position for %s: %w", symbol, err)
	}
	return nil
}

// StreamFills consumes the trade-update stream and forwards order updates as
// fill events. It blocks until ctx is cancelled or the stream fails.
func (c *Client) StreamFills(ctx context.Context, handler func(models.FillEvent)) error {
	return c.trading.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		ev := fillEventFrom(tu)
		if err := ev.Validate(); err != nil {
			logger.Debug("dropping malformed trade update: %v", err)
			return
		}
		handler(ev)
	}, alpaca.StreamTradeUpdatesRequest{})
}

func fillEventFrom(tu alpaca.TradeUpdate) models.FillEvent {
	ev := models.FillEvent{
		Symbol: tu.Order.Symbol,
		Side:   models.FillSide(tu.Order.Side),
		Status: tu.Order.Status,
		Qty:    tu.Order.FilledQty.InexactFloat64(),
		At:     tu.At,
	}
	if tu.Order.FilledAvgPrice != nil {
		ev.AvgPrice = tu.Order.FilledAvgPrice.InexactFloat64()
	}
	return ev
}
