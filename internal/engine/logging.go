package engine

import (
	"rebuybot/internal/models"

	"github.com/sirupsen/logrus"
)

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine")
}

func (e *Engine) contextEntry(symbol, strategy string) *logrus.Entry {
	return e.logEntry().WithFields(logrus.Fields{
		"symbol":   symbol,
		"strategy": strategy,
	})
}

func orderFields(o *models.Order) logrus.Fields {
	if o == nil {
		return logrus.Fields{}
	}
	return logrus.Fields{
		"order_id": o.ID,
		"link_id":  o.LinkID,
		"side":     o.Side,
		"price":    o.Price.String(),
		"qty":      o.Qty.String(),
		"status":   o.Status,
	}
}
