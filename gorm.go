package reqcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GORMStore is a store using a SQL table through GORM
type GORMStore[T any] struct {
	db        *gorm.DB
	tableName string
	keyPrefix string
}

var _ Store[any] = &GORMStore[any]{}

type storeRow struct {
	Key       string         `gorm:"not null;primaryKey;size:255"`
	Value     datatypes.JSON `gorm:"not null;type:json"`
	UpdatedAt time.Time      `gorm:"not null;index"`
}

// GORMConfig holds configuration for GORMStore
type GORMConfig struct {
	// DB is the GORM database connection
	DB *gorm.DB

	// TableName is the name of the table holding the values
	TableName string

	// KeyPrefix is the prefix for all keys (optional)
	KeyPrefix string
}

// NewGORMStore creates a new GORM-based store with configuration
func NewGORMStore[T any](config *GORMConfig) *GORMStore[T] {
	if config.DB == nil {
		panic("DB is required")
	}
	if config.TableName == "" {
		panic("TableName is required")
	}

	return &GORMStore[T]{
		db:        config.DB,
		tableName: config.TableName,
		keyPrefix: config.KeyPrefix,
	}
}

func (g *GORMStore[T]) prefixedKey(key string) string {
	return g.keyPrefix + key
}

// Migrate creates or updates the table schema
func (g *GORMStore[T]) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).Table(g.tableName).AutoMigrate(&storeRow{}); err != nil {
		return errors.Wrapf(err, "failed to migrate table: %s", g.tableName)
	}
	return nil
}

// Set stores a value, replacing any previous one
func (g *GORMStore[T]) Set(ctx context.Context, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal value for key: %s", key)
	}

	row := storeRow{
		Key:   g.prefixedKey(key),
		Value: data,
	}

	if err := g.db.WithContext(ctx).
		Table(g.tableName).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(&row).Error; err != nil {
		return errors.Wrapf(err, "failed to set row for key: %s", key)
	}

	return nil
}

// Get retrieves a value
func (g *GORMStore[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	var row storeRow

	if err := g.db.WithContext(ctx).
		Table(g.tableName).
		Where("key = ?", g.prefixedKey(key)).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return zero, errors.Wrapf(&ErrKeyNotFound{}, "key not found in table %s for key: %s", g.tableName, key)
		}
		return zero, errors.Wrapf(err, "failed to get row for key: %s", key)
	}

	var value T
	if err := json.Unmarshal(row.Value, &value); err != nil {
		return zero, errors.Wrapf(err, "failed to unmarshal value for key: %s", key)
	}

	return value, nil
}

// Del removes a value
func (g *GORMStore[T]) Del(ctx context.Context, key string) error {
	if err := g.db.WithContext(ctx).
		Table(g.tableName).
		Where("key = ?", g.prefixedKey(key)).
		Delete(nil).Error; err != nil {
		return errors.Wrapf(err, "failed to delete row for key: %s", key)
	}
	return nil
}

// Clear removes every row under the store's prefix
func (g *GORMStore[T]) Clear(ctx context.Context) error {
	if err := g.db.WithContext(ctx).
		Table(g.tableName).
		Where("key LIKE ?", g.keyPrefix+"%").
		Delete(nil).Error; err != nil {
		return errors.Wrapf(err, "failed to clear table: %s", g.tableName)
	}
	return nil
}
