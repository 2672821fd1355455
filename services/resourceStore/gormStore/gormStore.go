package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kychandar/changecast/ds"
	"github.com/kychandar/changecast/services"
	resourcestore "github.com/kychandar/changecast/services/resourceStore"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func gormConfig() *gorm.Config {
	return &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            false,
		AllowGlobalUpdate:      false,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
	}
}

// Open connects to MySQL and migrates the records table.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&ds.Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

type gormStore struct {
	db   *gorm.DB
	kind string
}

// New returns a store for one entity kind; every kind shares the records table.
func New(db *gorm.DB, kind string) services.ResourceStore {
	return &gormStore{db: db, kind: kind}
}

func (s *gormStore) scoped(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Where("kind = ?", s.kind)
}

func (s *gormStore) List(ctx context.Context) ([]ds.Record, error) {
	var records []ds.Record
	if err := s.scoped(ctx).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", s.kind, err)
	}
	return records, nil
}

func (s *gormStore) Get(ctx context.Context, id uint64) (ds.Record, error) {
	var rec ds.Record
	err := s.scoped(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ds.Record{}, fmt.Errorf("%s %d: %w", s.kind, id, resourcestore.ErrNotFound)
	}
	if err != nil {
		return ds.Record{}, fmt.Errorf("get %s %d: %w", s.kind, id, err)
	}
	return rec, nil
}

func (s *gormStore) Create(ctx context.Context, rec *ds.Record) error {
	rec.ID = 0
	rec.Kind = s.kind
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("create %s: %w", s.kind, err)
	}
	return nil
}

// Update writes title and description, then reloads rec from the table.
func (s *gormStore) Update(ctx context.Context, rec *ds.Record) error {
	err := s.scoped(ctx).Model(&ds.Record{}).Where("id = ?", rec.ID).Updates(map[string]any{
		"title":       rec.Title,
		"description": rec.Description,
		"updated_at":  time.Now().UTC(),
	}).Error
	if err != nil {
		return fmt.Errorf("update %s %d: %w", s.kind, rec.ID, err)
	}
	stored, err := s.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	*rec = stored
	return nil
}

func (s *gormStore) Delete(ctx context.Context, id uint64) error {
	res := s.scoped(ctx).Where("id = ?", id).Delete(&ds.Record{})
	if res.Error != nil {
		return fmt.Errorf("delete %s %d: %w", s.kind, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %d: %w", s.kind, id, resourcestore.ErrNotFound)
	}
	return nil
}
