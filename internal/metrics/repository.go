// Package metrics polls the virtualization controller inventory and caches
// per-element snapshots in the database for the status API.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Element types stored in the cache.
const (
	ElementVM   = "vm"
	ElementHost = "host"
)

// ErrNotCached is returned when no snapshot exists for an element.
var ErrNotCached = errors.New("metrics: element not cached")

// CachedMetric is one row of the metric cache: the latest JSON snapshot for
// one inventory element.
type CachedMetric struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	ElementType string    `gorm:"column:element_type" json:"elementType"`
	Moid        string    `gorm:"column:moid" json:"moid"`
	Metrics     string    `gorm:"column:metrics" json:"metrics"`
	CollectedAt time.Time `gorm:"column:collected_at" json:"collectedAt"`
}

// TableName specifies the table name for GORM
func (CachedMetric) TableName() string {
	return "metric_cache"
}

// Repository persists metric snapshots, one row per element, newest wins.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a metric cache repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Upsert stores the snapshot for one element, replacing any previous row.
func (r *Repository) Upsert(elementType, moid string, snapshot any) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s snapshot: %w", elementType, moid, err)
	}

	row := CachedMetric{
		ElementType: elementType,
		Moid:        moid,
		Metrics:     string(payload),
		CollectedAt: time.Now().UTC(),
	}

	err = r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "element_type"}, {Name: "moid"}},
		DoUpdates: clause.AssignmentColumns([]string{"metrics", "collected_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to cache %s %s snapshot: %w", elementType, moid, err)
	}
	return nil
}

// List returns every cached snapshot.
func (r *Repository) List() ([]CachedMetric, error) {
	var rows []CachedMetric
	if err := r.db.Order("element_type ASC, moid ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list metric cache: %w", err)
	}
	return rows, nil
}

// Get returns the cached snapshot for one element.
func (r *Repository) Get(elementType, moid string) (*CachedMetric, error) {
	var row CachedMetric
	err := r.db.Where("element_type = ? AND moid = ?", elementType, moid).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotCached, elementType, moid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metric cache for %s %s: %w", elementType, moid, err)
	}
	return &row, nil
}
