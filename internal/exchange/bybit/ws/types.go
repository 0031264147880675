package ws

import (
	"encoding/json"
	"sync"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/logger"
	"rebuybot/internal/models"

	"github.com/gorilla/websocket"
)

type Client struct {
	url          string
	log          *logger.Logger
	conn         *websocket.Conn
	writeMu      sync.Mutex
	events       chan exchange.Event
	stopCh       chan struct{}
	stopOnce     sync.Once
	topicsMu     sync.Mutex
	topics       []string
	tickersMu    sync.RWMutex
	tickers      map[string]cachedTicker
	reconnectMin time.Duration
	reconnectMax time.Duration
	pingInterval time.Duration
}

type cachedTicker struct {
	ticker     models.Ticker
	receivedAt time.Time
}

type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

type SubscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type PingMessage struct {
	Op string `json:"op"`
}
