package ws

import (
	"encoding/json"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

type tickerData struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Seq       int64  `json:"seq"`
	TS        int64  `json:"ts"`
}

func (w *Client) handleTicker(msg Message) {
	var data []tickerData

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		var single tickerData
		if err := json.Unmarshal(msg.Data, &single); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать ticker.")
			return
		}
		data = append(data, single)
	}

	for _, item := range data {
		price, err := decimal.NewFromString(item.LastPrice)
		if err != nil || !price.IsPositive() {
			continue
		}

		seq := item.Seq
		if seq == 0 {
			if item.TS > 0 {
				seq = item.TS
			} else {
				seq = msg.TS
			}
		}

		ticker := models.Ticker{
			Symbol:    item.Symbol,
			LastPrice: price,
			Timestamp: time.UnixMilli(msg.TS).UTC(),
			Sequence:  seq,
		}
		w.storeTicker(ticker)
		w.emit(exchange.Event{Type: exchange.EventTypeTicker, Ticker: &ticker})
	}
}
