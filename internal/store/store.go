package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"rebuybot/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store persists contexts, the orders they produced and the heartbeat in SQLite.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("Не удалось создать каталог БД: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть БД: %w", err)
	}

	// SQLite has one writer; contexts save concurrently.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть БД: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&contextRecord{}, &orderRecord{}, &heartbeatRecord{}); err != nil {
		return nil, fmt.Errorf("Не удалось выполнить миграцию БД: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Contexts
// ======================================================================================

func (s *Store) LoadContext(ctx context.Context, symbol, strategy string) (models.PairStrategyContext, bool, error) {
	var rec contextRecord
	err := s.db.WithContext(ctx).First(&rec, "context_key = ?", models.ContextKey(symbol, strategy)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PairStrategyContext{}, false, nil
	}
	if err != nil {
		return models.PairStrategyContext{}, false, models.NewTransportError("store.LoadContext", err)
	}
	return rec.toModel(), true, nil
}

func (s *Store) LoadContexts(ctx context.Context) ([]models.PairStrategyContext, error) {
	var recs []contextRecord
	if err := s.db.WithContext(ctx).Order("context_key").Find(&recs).Error; err != nil {
		return nil, models.NewTransportError("store.LoadContexts", err)
	}
	out := make([]models.PairStrategyContext, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toModel())
	}
	return out, nil
}

// SaveContext writes the context and the orders it references in one transaction.
func (s *Store) SaveContext(ctx context.Context, c models.PairStrategyContext) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := newContextRecord(c)
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		for _, order := range []*models.Order{c.ActiveSellOrder, c.ExecutedSellOrder, c.ActiveBuyOrder} {
			if order == nil || order.ID == "" {
				continue
			}
			orec := newOrderRecord(*order)
			if err := tx.Save(&orec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.NewTransportError("store.SaveContext", err)
	}
	return nil
}

// ======================================================================================
// Orders
// ======================================================================================

func (s *Store) SaveOrders(ctx context.Context, orders ...models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	recs := make([]orderRecord, 0, len(orders))
	for _, o := range orders {
		recs = append(recs, newOrderRecord(o))
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&recs).Error
	if err != nil {
		return models.NewTransportError("store.SaveOrders", err)
	}
	return nil
}

// LoadOrders returns the orders of one context, oldest first.
func (s *Store) LoadOrders(ctx context.Context, symbol, strategy string) ([]models.Order, error) {
	var recs []orderRecord
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND strategy = ?", symbol, strategy).
		Order("create_time, id").
		Find(&recs).Error
	if err != nil {
		return nil, models.NewTransportError("store.LoadOrders", err)
	}
	out := make([]models.Order, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toModel())
	}
	return out, nil
}

// PairProfit sums the realized profit recorded on filled BUY orders of symbol.
// Amounts are stored as text, so the sum is done in decimal here.
func (s *Store) PairProfit(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var recs []orderRecord
	err := s.db.WithContext(ctx).
		Select("profit").
		Where("symbol = ? AND side = ? AND status = ?", symbol, string(models.OrderSideBuy), string(models.OrderStatusFilled)).
		Find(&recs).Error
	if err != nil {
		return decimal.Zero, models.NewTransportError("store.PairProfit", err)
	}
	total := decimal.Zero
	for _, rec := range recs {
		total = total.Add(rec.Profit)
	}
	return total, nil
}

// ======================================================================================
// Heartbeat
// ======================================================================================

func (s *Store) SaveHeartbeat(ctx context.Context, hb models.Heartbeat) error {
	rec := heartbeatRecord{
		ID:         1,
		Timestamp:  hb.Timestamp,
		Status:     hb.Status,
		Version:    hb.Version,
		Goroutines: hb.Goroutines,
		MemoryMB:   hb.MemoryMB,
		Contexts:   hb.Contexts,
		Message:    hb.Message,
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return models.NewTransportError("store.SaveHeartbeat", err)
	}
	return nil
}

func (s *Store) LastHeartbeat(ctx context.Context) (models.Heartbeat, bool, error) {
	var rec heartbeatRecord
	err := s.db.WithContext(ctx).First(&rec, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Heartbeat{}, false, nil
	}
	if err != nil {
		return models.Heartbeat{}, false, models.NewTransportError("store.LastHeartbeat", err)
	}
	return models.Heartbeat{
		Timestamp:  rec.Timestamp,
		Status:     rec.Status,
		Version:    rec.Version,
		Goroutines: rec.Goroutines,
		MemoryMB:   rec.MemoryMB,
		Contexts:   rec.Contexts,
		Message:    rec.Message,
	}, true, nil
}
