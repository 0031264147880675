package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/models"

	"github.com/sirupsen/logrus"
)

// maxHistoryPages bounds one history walk at 50 orders per page.
const maxHistoryPages = 100

func (c *Client) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (models.Order, error) {
	body := map[string]any{
		"category":    "spot",
		"symbol":      req.Symbol,
		"side":        toVenueSide(req.Side),
		"orderType":   "Limit",
		"qty":         req.QtyStr,
		"price":       req.PriceStr,
		"timeInForce": "GTC",
		"orderLinkId": req.LinkID,
	}

	var resp bybitResponse[struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}]

	if err := c.doRequest(ctx, http.MethodPost, "/v5/order/create", nil, body, true, &resp); err != nil {
		if code, ok := apiCode(err); ok && code == codeDuplicateLink {
			return models.Order{}, fmt.Errorf("%s: %w", req.LinkID, models.ErrDuplicateOrder)
		}
		return models.Order{}, err
	}

	now := time.Now().UTC()
	return models.Order{
		ID:         resp.Result.OrderID,
		LinkID:     req.LinkID,
		Symbol:     req.Symbol,
		Strategy:   req.Strategy,
		Side:       req.Side,
		Type:       models.OrderTypeLimit,
		Price:      req.Price,
		Qty:        req.Qty,
		Status:     models.OrderStatusNew,
		CreateTime: now,
		UpdateTime: now,
	}, nil
}

// GetOrderStatus looks in open orders first and falls back to history,
// where spot orders move once they are final.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var resp bybitResponse[orderList]
		if err := c.doRequest(ctx, http.MethodGet, path, params, nil, true, &resp); err != nil {
			return models.Order{}, err
		}
		for _, item := range resp.Result.List {
			if item.OrderID != orderID {
				continue
			}
			return item.toOrder()
		}
	}

	return models.Order{}, fmt.Errorf("%s %s: %w", symbol, orderID, models.ErrOrderNotFound)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelResult, error) {
	body := map[string]any{
		"category": "spot",
		"symbol":   symbol,
		"orderId":  orderID,
	}

	var resp bybitResponse[struct {
		OrderID string `json:"orderId"`
	}]

	err := c.doRequest(ctx, http.MethodPost, "/v5/order/cancel", nil, body, true, &resp)
	if err == nil {
		return exchange.CancelResultCanceled, nil
	}

	code, isAPI := apiCode(err)
	if !isAPI {
		return exchange.CancelResultFailed, err
	}

	entry := c.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"order_id": orderID,
		"code":     code,
	})

	if code != codeOrderNotExists {
		entry.WithError(err).Warn("Биржа отклонила отмену ордера")
		return exchange.CancelResultFailed, nil
	}

	// The order is already final; find out which way it ended.
	order, statusErr := c.GetOrderStatus(ctx, symbol, orderID)
	if statusErr != nil {
		if errors.Is(statusErr, models.ErrOrderNotFound) {
			entry.Warn("Ордер не найден ни в открытых, ни в истории")
			return exchange.CancelResultFailed, nil
		}
		return exchange.CancelResultFailed, statusErr
	}

	switch order.Status {
	case models.OrderStatusFilled:
		return exchange.CancelResultAlreadyFilled, nil
	case models.OrderStatusCanceled:
		return exchange.CancelResultCanceled, nil
	default:
		entry.WithField("status", order.Status).Warn("Отмена не прошла, ордер всё ещё открыт")
		return exchange.CancelResultFailed, nil
	}
}

// GetOrderHistory merges open orders with closed history created at or after since.
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]models.Order, error) {
	seen := map[string]struct{}{}
	var orders []models.Order

	collect := func(path string, extra url.Values) error {
		cursor := ""
		for page := 0; page < maxHistoryPages; page++ {
			params := url.Values{}
			params.Set("category", "spot")
			params.Set("symbol", symbol)
			params.Set("limit", "50")
			for k, v := range extra {
				params[k] = v
			}
			if cursor != "" {
				params.Set("cursor", cursor)
			}

			var resp bybitResponse[orderList]
			if err := c.doRequest(ctx, http.MethodGet, path, params, nil, true, &resp); err != nil {
				return err
			}
			for _, item := range resp.Result.List {
				if _, ok := seen[item.OrderID]; ok {
					continue
				}
				order, err := item.toOrder()
				if err != nil {
					return err
				}
				if !since.IsZero() && order.CreateTime.Before(since) {
					continue
				}
				seen[item.OrderID] = struct{}{}
				orders = append(orders, order)
			}

			next := resp.Result.NextPageCursor
			if next == "" || next == cursor || len(resp.Result.List) == 0 {
				return nil
			}
			cursor = next
		}
		c.log.WithFields(logrus.Fields{
			"symbol": symbol,
			"path":   path,
			"pages":  maxHistoryPages,
		}).Warn("История ордеров обрезана по лимиту страниц")
		return nil
	}

	if err := collect("/v5/order/realtime", nil); err != nil {
		return nil, err
	}

	history := url.Values{}
	if !since.IsZero() {
		history.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if err := collect("/v5/order/history", history); err != nil {
		return nil, err
	}

	return orders, nil
}
