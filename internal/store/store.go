// Package store persists gateways, logical users, bindings and drift records.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"gorm.io/gorm"

	"github.com/wgfleet/wgfleet/internal/db"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicateBinding is returned when (gateway, remote peer) is already bound.
	ErrDuplicateBinding = errors.New("store: remote peer already bound")
)

// Store is the binding store backed by gorm.
type Store struct {
	db   *gorm.DB
	busy failsafe.Executor[any]
}

// New wraps conn.
func New(conn *gorm.DB) *Store {
	if conn == nil {
		return nil
	}
	busyRetry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return db.IsBusy(err) }).
		WithBackoff(20*time.Millisecond, 500*time.Millisecond).
		WithJitterFactor(0.2).
		WithMaxRetries(5).
		ReturnLastFailure().
		Build()
	return &Store{db: conn, busy: failsafe.With[any](busyRetry)}
}

// DB exposes the underlying connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn inside a database transaction. Returning an error rolls it back.
// A transaction that fails on a SQLite lock conflict is rolled back and run again.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	run := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&Store{db: tx, busy: s.busy})
		})
	}
	if s.busy == nil {
		return run()
	}
	return s.busy.WithContext(ctx).Run(run)
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func likePattern(conn *gorm.DB, column, query string) (string, string) {
	return db.CaseInsensitiveLikeExpr(conn, column), db.NormalizeLikePattern(conn, "%"+strings.TrimSpace(query)+"%")
}
