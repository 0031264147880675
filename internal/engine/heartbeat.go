package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"rebuybot/internal/config"
	"rebuybot/internal/metrics"
	"rebuybot/internal/models"

	"github.com/sirupsen/logrus"
)

// reportLastRun logs the heartbeat left by the previous process and returns
// how long ago it was written, zero when there is none.
func (e *Engine) reportLastRun(ctx context.Context) time.Duration {
	hb, found, err := e.store.LastHeartbeat(ctx)
	if err != nil {
		e.logEntry().WithError(err).Warn("Не удалось прочитать последний heartbeat.")
		return 0
	}
	if !found {
		e.logEntry().Info("Heartbeat не найден, первый запуск.")
		return 0
	}
	gap := e.now().Sub(hb.Timestamp)
	e.logEntry().WithFields(logrus.Fields{
		"last_heartbeat": hb.Timestamp.Format(time.RFC3339),
		"status":         hb.Status,
		"version":        hb.Version,
		"downtime":       gap.Round(time.Second).String(),
	}).Info("Предыдущий запуск.")
	return gap
}

// heartbeat records liveness at most once per heartbeat interval.
func (e *Engine) heartbeat(ctx context.Context, cfg *config.Config) {
	now := e.now()
	if !e.lastHeartbeat.IsZero() && now.Sub(e.lastHeartbeat) < cfg.Runtime.HeartbeatInterval {
		return
	}
	e.lastHeartbeat = now

	hb := e.buildHeartbeat(now, cfg)
	if err := e.store.SaveHeartbeat(ctx, hb); err != nil {
		e.logEntry().WithError(err).Warn("Не удалось записать heartbeat.")
		return
	}
	metrics.SetHeartbeat(now)
	e.logEntry().WithField("message", hb.Message).Debug("Heartbeat.")
}

func (e *Engine) buildHeartbeat(now time.Time, cfg *config.Config) models.Heartbeat {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := "on"
	if !e.powered {
		status = "off"
	}
	states := map[models.TradeState]int{}
	for _, sl := range e.slots {
		states[sl.state.State]++
	}

	return models.Heartbeat{
		Timestamp:  now,
		Status:     status,
		Version:    cfg.Runtime.Version,
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   float64(mem.Alloc) / (1 << 20),
		Contexts:   len(e.slots),
		Message: fmt.Sprintf("running=%d monitoring=%d selling=%d cooldown=%d",
			e.running,
			states[models.TradeStateMonitoring],
			states[models.TradeStateSelling],
			states[models.TradeStateCooldown]),
	}
}
