package bybit

import (
	"context"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/exchange/bybit/rest"
	"rebuybot/internal/exchange/bybit/ws"
	"rebuybot/internal/logger"

	"github.com/shopspring/decimal"
)

type Config struct {
	BaseURL     string
	WSPublicURL string
	ApiKey      string
	Secret      string
	AccountType string
	RecvWindow  string
}

// Client serves prices from the public ticker stream while it is fresh and
// falls back to REST for everything else.
type Client struct {
	*rest.Client

	stream       *ws.Client
	log          *logger.Logger
	maxTickerAge time.Duration
}

func New(cfg Config, log *logger.Logger) *Client {
	c := &Client{
		Client: rest.New(rest.Config{
			BaseURL:     cfg.BaseURL,
			ApiKey:      cfg.ApiKey,
			Secret:      cfg.Secret,
			AccountType: cfg.AccountType,
			RecvWindow:  cfg.RecvWindow,
		}, log),
		log:          log,
		maxTickerAge: 5 * time.Second,
	}
	if cfg.WSPublicURL != "" {
		c.stream = ws.New(cfg.WSPublicURL, log)
	}
	return c
}

// Start opens the ticker stream. A failed connect only disables the cache.
func (c *Client) Start(ctx context.Context, symbols []string) {
	if c.stream == nil {
		return
	}
	if err := c.stream.Connect(ctx); err != nil {
		c.log.WithComponent("bybit").WithError(err).Warn("Поток тикеров недоступен, цены берутся через REST.")
		c.stream = nil
		return
	}
	if err := c.stream.SubscribeTickers(ctx, symbols); err != nil {
		c.log.WithComponent("bybit").WithError(err).Warn("Не удалось подписаться на тикеры.")
	}
}

func (c *Client) Close() {
	if c.stream != nil {
		c.stream.Close()
	}
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c.stream != nil {
		if ticker, age, ok := c.stream.LastTicker(symbol); ok && age <= c.maxTickerAge {
			return ticker.LastPrice, nil
		}
	}
	return c.Client.GetPrice(ctx, symbol)
}

func (c *Client) Events() <-chan exchange.Event {
	if c.stream == nil {
		return nil
	}
	return c.stream.Events()
}
