package rest

import (
	"net/http"
	"time"

	"rebuybot/internal/logger"
)

type Config struct {
	BaseURL     string
	ApiKey      string
	Secret      string
	AccountType string
	RecvWindow  string
}

func New(cfg Config, log *logger.Logger) *Client {
	recvWindow := cfg.RecvWindow
	if recvWindow == "" {
		recvWindow = "5000"
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		accountType: cfg.AccountType,
		apiKey:      cfg.ApiKey,
		secret:      cfg.Secret,
		recvWindow:  recvWindow,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}
