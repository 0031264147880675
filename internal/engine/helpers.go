package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"rebuybot/internal/models"

	"github.com/google/uuid"
)

const (
	legSell = "sell"
	legBuy  = "buy"
)

func withRetry[T any](ctx context.Context, e *Engine, attempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	var backoff time.Duration = e.retryBase
	for i := 0; i < attempts; i++ {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err
		if !models.IsRetriable(err) {
			return zero, err
		}
		wait := time.Duration(math.Min(float64(backoff), float64(e.retryBase*30)))
		e.logEntry().WithError(lastErr).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return zero, lastErr
}

func newCycleID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(raw) > 12 {
		return raw[:12]
	}
	return raw
}

// linkID tags an order with its owner: <strategy>-<cycle>-<leg>.
func linkID(strategy, cycleID, leg string) string {
	return fmt.Sprintf("%s-%s-%s", strategy, cycleID, leg)
}

type parsedLink struct {
	Strategy string
	CycleID  string
	Leg      string
}

// parseLinkID splits from the right so strategy names may contain dashes.
func parseLinkID(id string) (parsedLink, bool) {
	legIdx := strings.LastIndex(id, "-")
	if legIdx <= 0 {
		return parsedLink{}, false
	}
	leg := id[legIdx+1:]
	if leg != legSell && leg != legBuy {
		return parsedLink{}, false
	}
	rest := id[:legIdx]
	cycleIdx := strings.LastIndex(rest, "-")
	if cycleIdx <= 0 || cycleIdx == len(rest)-1 {
		return parsedLink{}, false
	}
	return parsedLink{
		Strategy: rest[:cycleIdx],
		CycleID:  rest[cycleIdx+1:],
		Leg:      leg,
	}, true
}

func ownedBy(o models.Order, strategy string) bool {
	link, ok := parseLinkID(o.LinkID)
	return ok && link.Strategy == strategy
}

func cycleOf(o *models.Order) string {
	if o == nil {
		return ""
	}
	link, ok := parseLinkID(o.LinkID)
	if !ok {
		return ""
	}
	return link.CycleID
}

// mergeStatus copies the exchange-owned fields of a polled order onto ours,
// keeping the bookkeeping we attached at placement.
func mergeStatus(dst *models.Order, polled models.Order) {
	dst.Status = polled.Status
	if polled.FilledQty.IsPositive() || polled.Status.IsTerminal() {
		dst.FilledQty = polled.FilledQty
	}
	if !polled.UpdateTime.IsZero() {
		dst.UpdateTime = polled.UpdateTime
	}
	if dst.CreateTime.IsZero() {
		dst.CreateTime = polled.CreateTime
	}
}

// filledAt is the best known completion time of an order.
func filledAt(o *models.Order) time.Time {
	if !o.UpdateTime.IsZero() {
		return o.UpdateTime
	}
	return o.CreateTime
}
