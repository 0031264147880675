package exchange

import (
	"context"
	"time"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventTypeTicker    EventType = "Ticker"
	EventTypeReconnect EventType = "Reconnect"
)

type Event struct {
	Type   EventType
	Ticker *models.Ticker
}

type CancelResult string

const (
	CancelResultCanceled      CancelResult = "CANCELED"
	CancelResultAlreadyFilled CancelResult = "ALREADY_FILLED"
	CancelResultFailed        CancelResult = "FAILED"
)

// OrderRequest carries an already quantized LIMIT order. PriceStr and QtyStr
// are sent verbatim so the venue never re-rounds them.
type OrderRequest struct {
	Symbol   string
	Strategy string
	LinkID   string
	Side     models.OrderSide
	Price    decimal.Decimal
	Qty      decimal.Decimal
	PriceStr string
	QtyStr   string
}

type Client interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error)
	GetBalances(ctx context.Context, coins []string) (map[string]models.Balance, error)
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (models.Order, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error)
	// CancelOrder reports FAILED with a nil error when the venue refused the
	// cancel for a reason other than the order already being final.
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error)
	GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]models.Order, error)
}

// Streamer is implemented by clients that push market data and connection events.
type Streamer interface {
	Events() <-chan Event
}
