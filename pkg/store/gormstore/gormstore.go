// Package gormstore implements store.Store on GORM with the Postgres driver.
package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wilhg/footprint/pkg/adapters/geo"
	"github.com/wilhg/footprint/pkg/store"
)

// Option allows configuring DB connection.
type Option func(*config)

type config struct {
	Logger logger.Interface
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// Open opens a Postgres-backed GORM DB connection using the provided DSN and
// migrates the footprints table.
func Open(dsn string, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&FootprintModel{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// New wraps an existing, already migrated connection.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// SQLDB returns the underlying connection pool.
func (s *Store) SQLDB() (*sql.DB, error) { return s.db.DB() }

func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// FootprintModel represents the GORM model for footprints.
type FootprintModel struct {
	ID            int64             `gorm:"primaryKey;autoIncrement"`
	OwnerType     string            `gorm:"index:idx_footprint_owner;type:text;not null"`
	OwnerID       string            `gorm:"index:idx_footprint_owner;type:text;not null"`
	PerformerType *string           `gorm:"index:idx_footprint_performer;type:text"`
	PerformerID   *string           `gorm:"index:idx_footprint_performer;type:text"`
	IP            string            `gorm:"column:ip;type:text;not null"`
	EventType     string            `gorm:"index;type:text;not null"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb;not null"`
	OccurredAt    time.Time         `gorm:"index;not null"`
	CountryCode   *string           `gorm:"index;type:text"`
	CountryName   *string           `gorm:"type:text"`
	City          *string           `gorm:"type:text"`
	Region        *string           `gorm:"type:text"`
	Continent     *string           `gorm:"type:text"`
	Timezone      *string           `gorm:"type:text"`
	Latitude      *float64
	Longitude     *float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (FootprintModel) TableName() string { return "footprints" }

// Store implements store.Store using GORM.
type Store struct{ db *gorm.DB }

var _ store.Store = (*Store)(nil)

func (s *Store) CreateFootprint(ctx context.Context, f *store.Footprint) error {
	if err := f.Validate(); err != nil {
		return err
	}
	m := toModel(f)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert footprint: %w", err)
	}
	*f = fromModel(m)
	return nil
}

func filter(q store.Query) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if q.Owner.Type != "" {
			db = db.Where("owner_type = ?", q.Owner.Type)
		}
		if q.Owner.ID != "" {
			db = db.Where("owner_id = ?", q.Owner.ID)
		}
		if q.EventType != "" {
			db = db.Where("event_type = ?", q.EventType)
		}
		if q.CountryCode != "" {
			db = db.Where("country_code = ?", q.CountryCode)
		}
		if q.Performer != nil {
			db = db.Where("performer_type = ? AND performer_id = ?", q.Performer.Type, q.Performer.ID)
		}
		if !q.From.IsZero() {
			db = db.Where("occurred_at >= ?", q.From)
		}
		if !q.To.IsZero() {
			db = db.Where("occurred_at <= ?", q.To)
		}
		return db
	}
}

func (s *Store) ListFootprints(ctx context.Context, q store.Query) ([]store.Footprint, error) {
	db := s.db.WithContext(ctx).Model(&FootprintModel{}).Scopes(filter(q))
	if q.Recent {
		db = db.Order("occurred_at desc, id desc")
	} else {
		db = db.Order("id asc")
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var models []FootprintModel
	if err := db.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.Footprint, 0, len(models))
	for _, m := range models {
		out = append(out, fromModel(m))
	}
	return out, nil
}

func (s *Store) CountFootprints(ctx context.Context, q store.Query) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&FootprintModel{}).Scopes(filter(q)).Count(&n).Error
	return n, err
}

func (s *Store) EventTypes(ctx context.Context, q store.Query) ([]string, error) {
	out := []string{}
	err := s.db.WithContext(ctx).Model(&FootprintModel{}).Scopes(filter(q)).
		Distinct().Order("event_type").Pluck("event_type", &out).Error
	return out, err
}

func (s *Store) Countries(ctx context.Context, q store.Query) ([]string, error) {
	out := []string{}
	err := s.db.WithContext(ctx).Model(&FootprintModel{}).Scopes(filter(q)).
		Where("country_code IS NOT NULL").Distinct().Order("country_code").Pluck("country_code", &out).Error
	return out, err
}

func (s *Store) ReassignPerformer(ctx context.Context, id int64, performer *store.Reference) error {
	updates := map[string]any{"performer_type": nil, "performer_id": nil}
	if performer != nil {
		if performer.Type == "" || performer.ID == "" {
			return (&store.Footprint{Performer: performer}).Validate()
		}
		updates = map[string]any{"performer_type": performer.Type, "performer_id": performer.ID}
	}
	res := s.db.WithContext(ctx).Model(&FootprintModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteByOwner(ctx context.Context, owner store.Reference) (int64, error) {
	if owner.Type == "" || owner.ID == "" {
		return 0, errors.New("delete footprints: owner reference is incomplete")
	}
	res := s.db.WithContext(ctx).Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).Delete(&FootprintModel{})
	return res.RowsAffected, res.Error
}

func toModel(f *store.Footprint) FootprintModel {
	meta := datatypes.JSONMap(f.Metadata)
	if meta == nil {
		meta = datatypes.JSONMap{}
	}
	m := FootprintModel{
		OwnerType:  f.Owner.Type,
		OwnerID:    f.Owner.ID,
		IP:         f.IP,
		EventType:  f.EventType,
		Metadata:   meta,
		OccurredAt: f.OccurredAt.UTC().Truncate(time.Microsecond),
	}
	if f.Performer != nil {
		m.PerformerType, m.PerformerID = ptr(f.Performer.Type), ptr(f.Performer.ID)
	}
	if g := f.Geo; g != nil {
		m.CountryCode, m.CountryName = ptr(g.CountryCode), ptr(g.CountryName)
		m.City, m.Region = ptr(g.City), ptr(g.Region)
		m.Continent, m.Timezone = ptr(g.Continent), ptr(g.Timezone)
		m.Latitude, m.Longitude = g.Latitude, g.Longitude
	}
	return m
}

func fromModel(m FootprintModel) store.Footprint {
	f := store.Footprint{
		ID:         m.ID,
		Owner:      store.Reference{Type: m.OwnerType, ID: m.OwnerID},
		IP:         m.IP,
		EventType:  m.EventType,
		Metadata:   map[string]any(m.Metadata),
		OccurredAt: m.OccurredAt.UTC(),
		CreatedAt:  m.CreatedAt.UTC(),
		UpdatedAt:  m.UpdatedAt.UTC(),
	}
	if f.Metadata == nil {
		f.Metadata = map[string]any{}
	}
	if m.PerformerType != nil && m.PerformerID != nil {
		f.Performer = &store.Reference{Type: *m.PerformerType, ID: *m.PerformerID}
	}
	g := geo.Location{
		CountryCode: deref(m.CountryCode),
		CountryName: deref(m.CountryName),
		City:        deref(m.City),
		Region:      deref(m.Region),
		Continent:   deref(m.Continent),
		Timezone:    deref(m.Timezone),
		Latitude:    m.Latitude,
		Longitude:   m.Longitude,
	}
	if !g.IsZero() {
		f.Geo = &g
	}
	return f
}

// ptr maps "" to NULL.
func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
