// Package store persists the device protocol's tables through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/defenderhub/defenderhub/pkg/credential"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrOrganizationNotFound = errors.New("organization not found")
)

// Store wraps a gorm handle. All methods are safe for concurrent use.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to driver ("sqlite" or "postgres") and returns a Store.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, GormConfig())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return New(db), nil
}

// GormConfig is the gorm configuration every Store connection uses. Timestamps
// are written in UTC so cutoff comparisons stay consistent on sqlite.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock replaces the store's time source. Intended for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Now() time.Time { return s.now().UTC() }

// Migrate creates or updates every table.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// Ping verifies the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Authenticate resolves a bearer token to its owner. Every protocol call
// other than registration and enrollment goes through here.
func (s *Store) Authenticate(ctx context.Context, kind credential.Kind, token string) (credential.Principal, error) {
	if token == "" {
		return credential.Principal{}, credential.ErrMissingToken
	}

	var (
		cred  credential.Credential
		id    string
		orgID string
	)
	switch kind {
	case credential.KindEndpoint:
		var ep Endpoint
		if err := s.db.WithContext(ctx).Where("agent_token = ?", token).First(&ep).Error; err != nil {
			return credential.Principal{}, lookupErr(err)
		}
		cred, id, orgID = ep.Credential, ep.ID, ep.OrganizationID
	case credential.KindRouter:
		var r Router
		if err := s.db.WithContext(ctx).Where("agent_token = ?", token).First(&r).Error; err != nil {
			return credential.Principal{}, lookupErr(err)
		}
		cred, id, orgID = r.Credential, r.ID, r.OrganizationID
	default:
		return credential.Principal{}, fmt.Errorf("unknown credential kind %q", kind)
	}

	if err := cred.Check(token, s.Now()); err != nil {
		return credential.Principal{}, err
	}
	return credential.Principal{Kind: kind, ID: id, OrganizationID: orgID}, nil
}

func lookupErr(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credential.ErrInvalidToken
	}
	return err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *Store) writeAgentLog(tx *gorm.DB, entry AgentLog) error {
	if entry.Level == "" {
		entry.Level = "info"
	}
	return tx.Create(&entry).Error
}
