package rest

import (
	"net/http"

	"rebuybot/internal/logger"
)

type Client struct {
	baseURL     string
	accountType string
	apiKey      string
	secret      string
	recvWindow  string
	httpClient  *http.Client
	log         *logger.Logger
}

type bybitResponse[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
	Time    int64  `json:"time"`
}

type instrumentInfo struct {
	List []struct {
		Symbol      string `json:"symbol"`
		BaseCoin    string `json:"baseCoin"`
		QuoteCoin   string `json:"quoteCoin"`
		Status      string `json:"status"`
		PriceFilter struct {
			TickSize string `json:"tickSize"`
		} `json:"priceFilter"`
		LotSizeFilter struct {
			BasePrecision  string `json:"basePrecision"`
			QuotePrecision string `json:"quotePrecision"`
			MinOrderQty    string `json:"minOrderQty"`
			MinOrderAmt    string `json:"minOrderAmt"`
			QtyStep        string `json:"qtyStep"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type tickerList struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

type orderItem struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	OrderStatus string `json:"orderStatus"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

type orderList struct {
	List           []orderItem `json:"list"`
	NextPageCursor string      `json:"nextPageCursor"`
}
