// Package storetest provides in-memory stores and failure injection for tests.
package storetest

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/defenderhub/defenderhub/pkg/store"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var seq atomic.Int64

// New opens a private in-memory sqlite database with every table migrated.
func New(t testing.TB) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:defenderhub-test-%d?mode=memory&cache=shared", seq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), store.GormConfig())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	s := store.New(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// FailCreatesOn makes every INSERT into table fail with err.
func FailCreatesOn(t testing.TB, s *store.Store, table string, err error) {
	t.Helper()
	if err == nil {
		err = errors.New("injected failure")
	}
	name := "storetest:fail_create_" + table
	regErr := s.DB().Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			_ = tx.AddError(err)
		}
	})
	if regErr != nil {
		t.Fatalf("register failing callback: %v", regErr)
	}
}

// Organization creates an organization named name and returns it.
func Organization(t testing.TB, s *store.Store, name string) *store.Organization {
	t.Helper()
	org := &store.Organization{Name: name}
	if err := s.DB().Create(org).Error; err != nil {
		t.Fatalf("create organization: %v", err)
	}
	return org
}
