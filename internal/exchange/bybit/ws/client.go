package ws

import (
	"context"
	"fmt"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/logger"
	"rebuybot/internal/models"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func New(url string, log *logger.Logger) *Client {
	return &Client{
		url:          url,
		log:          log,
		events:       make(chan exchange.Event, 100),
		stopCh:       make(chan struct{}),
		tickers:      map[string]cachedTicker{},
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		pingInterval: 20 * time.Second,
	}
}

func (w *Client) Connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к WS.")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}

	w.conn = conn
	w.conn.SetReadLimit(2 << 20)

	w.logEntry().Info("WS соединение установлено.")

	go w.readLoop()
	go w.pingLoop()

	return nil
}

func (w *Client) Close() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
	})
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("bybit_ws")
}

func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

// LastTicker returns the cached ticker and how long ago it arrived.
func (w *Client) LastTicker(symbol string) (models.Ticker, time.Duration, bool) {
	w.tickersMu.RLock()
	defer w.tickersMu.RUnlock()

	cached, ok := w.tickers[symbol]
	if !ok {
		return models.Ticker{}, 0, false
	}
	return cached.ticker, time.Since(cached.receivedAt), true
}

func (w *Client) storeTicker(t models.Ticker) {
	w.tickersMu.Lock()
	defer w.tickersMu.Unlock()

	if prev, ok := w.tickers[t.Symbol]; ok && t.Sequence > 0 && t.Sequence < prev.ticker.Sequence {
		return
	}
	w.tickers[t.Symbol] = cachedTicker{ticker: t, receivedAt: time.Now()}
}

func (w *Client) emit(ev exchange.Event) {
	select {
	case w.events <- ev:
	default:
		w.logEntry().WithField("type", ev.Type).Debug("Очередь WS событий переполнена, событие пропущено.")
	}
}

func (w *Client) writeJSON(v any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("WS не подключён")
	}
	return w.conn.WriteJSON(v)
}

func (w *Client) pingLoop() {
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.writeJSON(PingMessage{Op: "ping"}); err != nil {
				w.logEntry().WithError(err).Debug("Не удалось отправить ping.")
			}
		}
	}
}
