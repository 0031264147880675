package ws

import (
	"context"
)

func TickerTopic(symbol string) string {
	return "tickers." + symbol
}

// SubscribeTickers remembers the topics so they are restored after a reconnect.
func (w *Client) SubscribeTickers(ctx context.Context, symbols []string) error {
	topics := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		topics = append(topics, TickerTopic(symbol))
	}

	w.topicsMu.Lock()
	w.topics = topics
	w.topicsMu.Unlock()

	return w.subscribe(topics)
}

func (w *Client) subscribe(topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	return w.writeJSON(SubscribeMessage{
		Op:   "subscribe",
		Args: topics,
	})
}

func (w *Client) currentTopics() []string {
	w.topicsMu.Lock()
	defer w.topicsMu.Unlock()
	return append([]string(nil), w.topics...)
}
