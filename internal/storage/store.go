// Package storage persists orders, trace lifecycles and error records
// using GORM over Postgres, with an optional Redis read-through cache on
// order lookups.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/brokerlink/relay/internal/reconciler"
	"github.com/brokerlink/relay/internal/tracing"
	"github.com/brokerlink/relay/pkg/models"
)

const orderCacheTTL = 30 * time.Second

// traceOperationRow is the persisted form of one trace operation. Rows are
// ordered by Seq within a trace.
type traceOperationRow struct {
	ID        uint       `gorm:"primaryKey;autoIncrement"`
	TraceID   string     `gorm:"index:idx_trace_ops,priority:1"`
	Seq       int64      `gorm:"index:idx_trace_ops,priority:2"`
	Name      string     `gorm:"index"`
	Component string
	StartTime time.Time
	EndTime   *time.Time
	Status    string
	Metadata  string `gorm:"type:text"`
}

func (traceOperationRow) TableName() string { return "trace_operations" }

// Store implements the order, trace and error persistence surfaces.
type Store struct {
	db     *gorm.DB
	cache  *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// New creates a store and migrates its tables. cache may be nil; when set
// it is used as a best-effort read-through cache for order lookups.
func New(db *gorm.DB, cache *redis.Client, logger *zap.Logger) (*Store, error) {
	if err := db.AutoMigrate(&models.OrderRecord{}, &models.TraceLifecycle{}, &traceOperationRow{}, &models.ErrorLog{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, cache: cache, logger: logger.Named("storage"), now: time.Now}, nil
}

// --- orders ---

// GetOrder loads one order, consulting the cache first when available.
func (s *Store) GetOrder(ctx context.Context, id uuid.UUID) (*models.OrderRecord, error) {
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, orderCacheKey(id)).Bytes(); err == nil {
			var order models.OrderRecord
			if err := json.Unmarshal(data, &order); err == nil {
				return &order, nil
			}
		}
	}

	var order models.OrderRecord
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconciler.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	s.cacheOrder(ctx, &order)
	return &order, nil
}

// ConditionalUpdateOrder applies only the given fields in a single UPDATE
// statement, the document-store equivalent of an atomic single-document
// update, and returns the fresh row.
func (s *Store) ConditionalUpdateOrder(ctx context.Context, id uuid.UUID, fields map[string]any) (*models.OrderRecord, error) {
	res := s.db.WithContext(ctx).Model(&models.OrderRecord{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("update order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, reconciler.ErrOrderNotFound
	}

	if s.cache != nil {
		if err := s.cache.Del(ctx, orderCacheKey(id)).Err(); err != nil {
			s.logger.Warn("order cache invalidation failed", zap.String("order_id", id.String()), zap.Error(err))
		}
	}

	var order models.OrderRecord
	if err := s.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("reload order: %w", err)
	}
	s.cacheOrder(ctx, &order)
	return &order, nil
}

// CreateOrder inserts a new order row.
func (s *Store) CreateOrder(ctx context.Context, order *models.OrderRecord) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	return nil
}

func (s *Store) cacheOrder(ctx context.Context, order *models.OrderRecord) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(order)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, orderCacheKey(order.ID), data, orderCacheTTL).Err(); err != nil {
		s.logger.Debug("order cache write failed", zap.Error(err))
	}
}

func orderCacheKey(id uuid.UUID) string { return "relay:order:" + id.String() }

// --- trace lifecycle ---

// CreateLifecycle persists the STARTED row of a new trace.
func (s *Store) CreateLifecycle(ctx context.Context, lc *models.TraceLifecycle) error {
	if err := s.db.WithContext(ctx).Create(lc).Error; err != nil {
		return fmt.Errorf("create lifecycle: %w", err)
	}
	return nil
}

// AppendOperation inserts one operation row for the trace.
func (s *Store) AppendOperation(ctx context.Context, traceID string, op models.TraceOperation) error {
	meta := ""
	if len(op.Metadata) > 0 {
		if data, err := json.Marshal(op.Metadata); err == nil {
			meta = string(data)
		}
	}
	row := traceOperationRow{
		TraceID:   traceID,
		Seq:       s.now().UnixNano(),
		Name:      op.Name,
		Component: op.Component,
		StartTime: op.StartTime,
		EndTime:   op.EndTime,
		Status:    op.Status,
		Metadata:  meta,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append operation: %w", err)
	}
	return nil
}

// UpdateOperation completes the most recent pending operation row with the
// given name. The registry serializes writers per trace, so find-then-save
// is safe here.
func (s *Store) UpdateOperation(ctx context.Context, traceID, name string, update tracing.OperationUpdate) error {
	var row traceOperationRow
	err := s.db.WithContext(ctx).
		Where("trace_id = ? AND name = ? AND status = ?", traceID, name, models.OperationStatusPending).
		Order("seq DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("find pending operation: %w", err)
	}

	fields := map[string]any{
		"status":   update.Status,
		"end_time": update.EndTime,
	}
	if len(update.Metadata) > 0 {
		merged := map[string]any{}
		if row.Metadata != "" {
			json.Unmarshal([]byte(row.Metadata), &merged)
		}
		for k, v := range update.Metadata {
			merged[k] = v
		}
		if data, err := json.Marshal(merged); err == nil {
			fields["metadata"] = string(data)
		}
	}
	if err := s.db.WithContext(ctx).Model(&traceOperationRow{}).Where("id = ?", row.ID).Updates(fields).Error; err != nil {
		return fmt.Errorf("update operation: %w", err)
	}
	return nil
}

// FinalizeLifecycle records the terminal status of a trace.
func (s *Store) FinalizeLifecycle(ctx context.Context, traceID, status string, endTime time.Time, duration time.Duration) error {
	ms := duration.Milliseconds()
	err := s.db.WithContext(ctx).Model(&models.TraceLifecycle{}).Where("trace_id = ?", traceID).Updates(map[string]any{
		"status":      status,
		"end_time":    endTime,
		"duration_ms": ms,
	}).Error
	if err != nil {
		return fmt.Errorf("finalize lifecycle: %w", err)
	}
	return nil
}

// IncrementErrorCount bumps the trace's persisted error counter.
func (s *Store) IncrementErrorCount(ctx context.Context, traceID string) error {
	err := s.db.WithContext(ctx).Model(&models.TraceLifecycle{}).Where("trace_id = ?", traceID).
		UpdateColumn("error_count", gorm.Expr("error_count + 1")).Error
	if err != nil {
		return fmt.Errorf("increment error count: %w", err)
	}
	return nil
}

// GetLifecycle returns a trace's persisted lifecycle including its
// operation rows in order.
func (s *Store) GetLifecycle(ctx context.Context, traceID string) (*models.TraceLifecycle, error) {
	var lc models.TraceLifecycle
	if err := s.db.WithContext(ctx).First(&lc, "trace_id = ?", traceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTraceNotFound
		}
		return nil, fmt.Errorf("get lifecycle: %w", err)
	}

	var rows []traceOperationRow
	if err := s.db.WithContext(ctx).Where("trace_id = ?", traceID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get operations: %w", err)
	}
	for _, row := range rows {
		op := models.TraceOperation{
			Name:      row.Name,
			Component: row.Component,
			StartTime: row.StartTime,
			EndTime:   row.EndTime,
			Status:    row.Status,
		}
		if row.Metadata != "" {
			meta := map[string]any{}
			if err := json.Unmarshal([]byte(row.Metadata), &meta); err == nil {
				op.Metadata = meta
			}
		}
		lc.Operations = append(lc.Operations, op)
	}
	return &lc, nil
}

// ErrTraceNotFound is returned for unknown trace ids.
var ErrTraceNotFound = errors.New("trace not found")

// TraceStatistics aggregates terminal lifecycles started since the cutoff.
func (s *Store) TraceStatistics(ctx context.Context, since time.Time) (models.TraceStatistics, error) {
	type aggRow struct {
		Status string
		Count  int64
		AvgMs  float64
	}
	var rows []aggRow
	err := s.db.WithContext(ctx).Model(&models.TraceLifecycle{}).
		Select("status, count(*) as count, coalesce(avg(duration_ms), 0) as avg_ms").
		Where("start_time >= ? AND status IN ?", since, []string{models.TraceStatusSuccess, models.TraceStatusError}).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return models.TraceStatistics{}, fmt.Errorf("trace statistics: %w", err)
	}

	var stats models.TraceStatistics
	var weighted float64
	for _, row := range rows {
		stats.Total += row.Count
		weighted += row.AvgMs * float64(row.Count)
		switch row.Status {
		case models.TraceStatusSuccess:
			stats.Successful = row.Count
		case models.TraceStatusError:
			stats.Errored = row.Count
		}
	}
	if stats.Total > 0 {
		stats.AvgDurationMs = weighted / float64(stats.Total)
	}
	return stats, nil
}

// --- error records ---

// CreateErrorRecord persists one error log row and returns its id.
func (s *Store) CreateErrorRecord(ctx context.Context, rec *models.ErrorLog) (uuid.UUID, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return uuid.Nil, fmt.Errorf("create error record: %w", err)
	}
	return rec.ID, nil
}

// FindErrorsByTrace returns a trace's error records, oldest first.
func (s *Store) FindErrorsByTrace(ctx context.Context, traceID string) ([]models.ErrorLog, error) {
	var recs []models.ErrorLog
	err := s.db.WithContext(ctx).Where("trace_id = ?", traceID).Order("timestamp ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("find errors by trace: %w", err)
	}
	return recs, nil
}

// ErrorAnalytics summarizes error records since the cutoff.
func (s *Store) ErrorAnalytics(ctx context.Context, since time.Time) (*ErrorAnalytics, error) {
	base := s.db.WithContext(ctx).Model(&models.ErrorLog{}).Where("timestamp >= ?", since)

	analytics := &ErrorAnalytics{
		ByType:      map[string]int64{},
		ByComponent: map[string]int64{},
	}
	if err := base.Session(&gorm.Session{}).Count(&analytics.Total).Error; err != nil {
		return nil, fmt.Errorf("error analytics count: %w", err)
	}

	type bucket struct {
		Label string
		Count int64
	}
	var byType []bucket
	if err := base.Session(&gorm.Session{}).Select("error_type as label, count(*) as count").Group("error_type").Scan(&byType).Error; err != nil {
		return nil, fmt.Errorf("error analytics by type: %w", err)
	}
	for _, row := range byType {
		analytics.ByType[row.Label] = row.Count
	}

	var byComponent []bucket
	if err := base.Session(&gorm.Session{}).Select("component as label, count(*) as count").Group("component").Scan(&byComponent).Error; err != nil {
		return nil, fmt.Errorf("error analytics by component: %w", err)
	}
	for _, row := range byComponent {
		analytics.ByComponent[row.Label] = row.Count
	}

	var recent []models.ErrorLog
	if err := base.Session(&gorm.Session{}).Order("timestamp DESC").Limit(20).Find(&recent).Error; err != nil {
		return nil, fmt.Errorf("error analytics recent: %w", err)
	}
	analytics.Recent = recent
	return analytics, nil
}

// ErrorAnalytics is the aggregated error view over a window.
type ErrorAnalytics struct {
	Total       int64             `json:"total"`
	ByType      map[string]int64  `json:"by_type"`
	ByComponent map[string]int64  `json:"by_component"`
	Recent      []models.ErrorLog `json:"recent"`
}
