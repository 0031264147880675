package ws

import (
	"encoding/json"
	"strings"
	"time"

	"rebuybot/internal/exchange"

	"github.com/gorilla/websocket"
)

func (w *Client) readLoop() {
	w.logEntry().Debug("readLoop запущен.")

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")

			if !w.reconnect() {
				return
			}
			continue
		}

		w.dispatch(data)
	}
}

func (w *Client) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
		return
	}

	switch {
	case msg.Op != "":
		if msg.Success != nil && !*msg.Success {
			w.logEntry().WithField("op", msg.Op).WithField("ret_msg", msg.RetMsg).Warn("WS операция отклонена.")
		}
	case strings.HasPrefix(msg.Topic, "tickers"):
		w.handleTicker(msg)
	}
}

func (w *Client) reconnect() bool {
	backoff := w.reconnectMin

	for {
		select {
		case <-w.stopCh:
			return false
		case <-time.After(backoff):
		}

		w.logEntry().Info("Попытка переподключения к WS.")

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.writeMu.Lock()
		if w.conn != nil {
			_ = w.conn.Close()
		}
		w.conn = conn
		w.conn.SetReadLimit(2 << 20)
		w.writeMu.Unlock()

		if err := w.subscribe(w.currentTopics()); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось повторно подписаться на WS.")
			backoff = w.nextBackoff(backoff)
			continue
		}

		w.emit(exchange.Event{Type: exchange.EventTypeReconnect})
		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}

func (w *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > w.reconnectMax {
		return w.reconnectMax
	}
	return next
}
