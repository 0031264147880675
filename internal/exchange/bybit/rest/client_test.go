package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/logger"
	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:     srv.URL,
		ApiKey:      "key",
		Secret:      "secret",
		AccountType: "UNIFIED",
	}, logger.NewWriter(io.Discard, "error"))
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func TestGetTradingRules(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/instruments-info" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT",
			"priceFilter":{"tickSize":"0.01"},
			"lotSizeFilter":{"basePrecision":"0.000001","minOrderQty":"0.000048","minOrderAmt":"5"}
		}]}}`)
	})

	rules, err := c.GetTradingRules(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTradingRules: %v", err)
	}
	if !rules.TickSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("tick = %s", rules.TickSize)
	}
	if !rules.StepSize.Equal(decimal.RequireFromString("0.000001")) {
		t.Errorf("step falls back to basePrecision, got %s", rules.StepSize)
	}
	if !rules.MinNotional.Equal(decimal.NewFromInt(5)) || rules.BaseCoin != "BTC" {
		t.Errorf("rules = %+v", rules)
	}
}

func TestPlaceLimitOrderSignsAndSendsStrings(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-BAPI-SIGN") == "" || r.Header.Get("X-BAPI-API-KEY") != "key" {
			t.Error("request is not signed")
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["price"] != "60060.00" || body["qty"] != "0.002000" {
			t.Errorf("price/qty = %s/%s", body["price"], body["qty"])
		}
		if body["side"] != "Sell" || body["orderType"] != "Limit" || body["orderLinkId"] != "girl-abc-sell" {
			t.Errorf("body = %v", body)
		}
		writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"42","orderLinkId":"girl-abc-sell"}}`)
	})

	order, err := c.PlaceLimitOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "BTCUSDT",
		Strategy: "girl",
		LinkID:   "girl-abc-sell",
		Side:     models.OrderSideSell,
		Price:    decimal.RequireFromString("60060"),
		Qty:      decimal.RequireFromString("0.002"),
		PriceStr: "60060.00",
		QtyStr:   "0.002000",
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if order.ID != "42" || order.Status != models.OrderStatusNew || order.Strategy != "girl" {
		t.Errorf("order = %+v", order)
	}
}

func TestCancelOrderResults(t *testing.T) {
	tests := []struct {
		name          string
		cancelBody    string
		historyStatus string
		want          exchange.CancelResult
	}{
		{
			name:       "canceled",
			cancelBody: `{"retCode":0,"retMsg":"OK","result":{"orderId":"1"}}`,
			want:       exchange.CancelResultCanceled,
		},
		{
			name:          "too late, filled",
			cancelBody:    `{"retCode":170213,"retMsg":"Order does not exist."}`,
			historyStatus: "Filled",
			want:          exchange.CancelResultAlreadyFilled,
		},
		{
			name:          "too late, canceled elsewhere",
			cancelBody:    `{"retCode":170213,"retMsg":"Order does not exist."}`,
			historyStatus: "PartiallyFilledCanceled",
			want:          exchange.CancelResultCanceled,
		},
		{
			name:       "refused",
			cancelBody: `{"retCode":170141,"retMsg":"Duplicate clientOrderId"}`,
			want:       exchange.CancelResultFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/v5/order/cancel":
					writeJSON(w, tt.cancelBody)
				case "/v5/order/realtime":
					writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[]}}`)
				case "/v5/order/history":
					writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"orderId":"1","symbol":"BTCUSDT","side":"Sell","price":"100","qty":"1","cumExecQty":"1","orderStatus":"`+tt.historyStatus+`"}]}}`)
				default:
					t.Errorf("unexpected path %s", r.URL.Path)
				}
			})

			got, err := c.CancelOrder(context.Background(), "BTCUSDT", "1")
			if err != nil {
				t.Fatalf("CancelOrder: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransientErrorsAreRetriable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "rate limit code",
			handler: func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, `{"retCode":10006,"retMsg":"Too many visits!"}`)
			},
		},
		{
			name: "server error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.GetPrice(context.Background(), "BTCUSDT")
			if err == nil {
				t.Fatal("expected error")
			}
			if !models.IsRetriable(err) {
				t.Errorf("error must be retriable: %v", err)
			}
		})
	}
}

func TestGetOrderStatusMapsVenueFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"orderId":"7","orderLinkId":"girl-abc-buy","symbol":"BTCUSDT","side":"Buy",
			"price":"59760","qty":"0.002","cumExecQty":"0.001","orderStatus":"PartiallyFilled",
			"createdTime":"1700000000000","updatedTime":"1700000001000"}]}}`)
	})

	order, err := c.GetOrderStatus(context.Background(), "BTCUSDT", "7")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if order.Side != models.OrderSideBuy || order.Status != models.OrderStatusPartiallyFilled {
		t.Errorf("order = %+v", order)
	}
	if !order.FilledQty.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("filled = %s", order.FilledQty)
	}
	if order.CreateTime.UnixMilli() != 1700000000000 {
		t.Errorf("create time = %s", order.CreateTime)
	}
}

func TestGetOrderHistoryFollowsCursor(t *testing.T) {
	item := func(id, link, side, status string) string {
		return `{"orderId":"` + id + `","orderLinkId":"` + link + `","symbol":"BTCUSDT","side":"` + side + `",
			"price":"60060","qty":"0.002","cumExecQty":"0","orderStatus":"` + status + `",
			"createdTime":"1700000000000","updatedTime":"1700000000000"}`
	}

	var cursors []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		switch r.URL.Path {
		case "/v5/order/realtime":
			writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[`+item("1", "girl-a-sell", "Sell", "New")+`],"nextPageCursor":""}}`)
		case "/v5/order/history":
			cursors = append(cursors, cursor)
			switch cursor {
			case "":
				writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[`+item("2", "girl-b-sell", "Sell", "Filled")+`],"nextPageCursor":"page2"}}`)
			case "page2":
				writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[`+item("3", "girl-b-buy", "Buy", "Filled")+`],"nextPageCursor":"page2"}}`)
			default:
				t.Errorf("unexpected cursor %q", cursor)
				writeJSON(w, `{"retCode":0,"retMsg":"OK","result":{"list":[],"nextPageCursor":""}}`)
			}
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	orders, err := c.GetOrderHistory(context.Background(), "BTCUSDT", time.Time{})
	if err != nil {
		t.Fatalf("GetOrderHistory: %v", err)
	}

	var ids []string
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	if len(ids) != 3 || ids[0] != "1" || ids[1] != "2" || ids[2] != "3" {
		t.Errorf("ids = %v, want [1 2 3]", ids)
	}
	if len(cursors) != 2 || cursors[0] != "" || cursors[1] != "page2" {
		t.Errorf("history cursors = %q, want first page then page2", cursors)
	}
}
