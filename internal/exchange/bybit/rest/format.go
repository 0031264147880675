package rest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

func parseDecimalOrZero(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func parseMillis(value string) time.Time {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toVenueSide(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}

func fromVenueSide(side string) models.OrderSide {
	if strings.EqualFold(side, "Buy") {
		return models.OrderSideBuy
	}
	return models.OrderSideSell
}

// fromVenueStatus folds the venue's status set into the four lifecycle states.
func fromVenueStatus(status string) models.OrderStatus {
	switch status {
	case "New", "Untriggered", "Triggered":
		return models.OrderStatusNew
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	default:
		// Cancelled, PartiallyFilledCanceled, Rejected, Deactivated
		return models.OrderStatusCanceled
	}
}

func (item orderItem) toOrder() (models.Order, error) {
	price, err := parseDecimalOrZero(item.Price)
	if err != nil {
		return models.Order{}, fmt.Errorf("Некорректное значение price=%q: %w", item.Price, err)
	}
	qty, err := parseDecimalOrZero(item.Qty)
	if err != nil {
		return models.Order{}, fmt.Errorf("Некорректное значение qty=%q: %w", item.Qty, err)
	}
	filled, err := parseDecimalOrZero(item.CumExecQty)
	if err != nil {
		return models.Order{}, fmt.Errorf("Некорректное значение cumExecQty=%q: %w", item.CumExecQty, err)
	}

	return models.Order{
		ID:         item.OrderID,
		LinkID:     item.OrderLinkID,
		Symbol:     item.Symbol,
		Side:       fromVenueSide(item.Side),
		Type:       models.OrderTypeLimit,
		Price:      price,
		Qty:        qty,
		FilledQty:  filled,
		Status:     fromVenueStatus(item.OrderStatus),
		CreateTime: parseMillis(item.CreatedTime),
		UpdateTime: parseMillis(item.UpdatedTime),
	}, nil
}
