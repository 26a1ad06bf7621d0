// Package tenantdb reserves one pooled connection per call chain and binds
// it to a tenant through session variables that row-level security
// policies read.
package tenantdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/querystudio/querystudio/internal/observability"
)

var (
	ErrNoBinding       = errors.New("no tenant binding in context")
	ErrBindingConflict = errors.New("tenant binding conflict")
)

const (
	setSessionQuery   = `SELECT set_config('app.tenant_id', $1, false), set_config('app.member_id', $2, false), set_config('app.system', $3, false)`
	resetSessionQuery = `SELECT set_config('app.tenant_id', '', false), set_config('app.member_id', '', false), set_config('app.system', '', false)`
)

const defaultResetTimeout = 2 * time.Second

// DBTX is the query surface repositories use. Both *sql.Conn and *sql.Tx
// satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Binding is the active scope of a call chain. System bindings see rows of
// every tenant and are reserved for maintenance work such as sweeping.
type Binding struct {
	TenantID string
	MemberID string
	System   bool
	conn     *sql.Conn
}

func (b *Binding) matches(other Binding) bool {
	return b.TenantID == other.TenantID && b.MemberID == other.MemberID && b.System == other.System
}

func (b *Binding) String() string {
	if b.System {
		return "system"
	}
	return b.TenantID + "/" + b.MemberID
}

type bindingKey struct{}

// FromContext returns the binding installed by WithTenant or WithSystem.
func FromContext(ctx context.Context) (*Binding, bool) {
	binding, ok := ctx.Value(bindingKey{}).(*Binding)
	return binding, ok
}

// Querier returns the reserved connection of the active binding.
func Querier(ctx context.Context) (DBTX, error) {
	binding, ok := FromContext(ctx)
	if !ok || binding.conn == nil {
		return nil, ErrNoBinding
	}
	return binding.conn, nil
}

type Binder struct {
	db           *sql.DB
	logger       *slog.Logger
	resetTimeout time.Duration
	active       atomic.Int64
}

func NewBinder(db *sql.DB, logger *slog.Logger, resetTimeout time.Duration) *Binder {
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &Binder{db: db, logger: logger, resetTimeout: resetTimeout}
}

// Active reports how many connections are currently reserved.
func (b *Binder) Active() int64 {
	return b.active.Load()
}

// WithTenant runs fn with a connection bound to tenantID and memberID. A
// matching binding already in ctx is reused; a different one is an error.
func (b *Binder) WithTenant(ctx context.Context, tenantID, memberID string, fn func(ctx context.Context) error) error {
	if tenantID == "" || memberID == "" {
		return fmt.Errorf("bind tenant: tenant id and member id are required")
	}
	return b.bind(ctx, Binding{TenantID: tenantID, MemberID: memberID}, fn)
}

// WithSystem runs fn with a connection that row-level security lets see
// every tenant.
func (b *Binder) WithSystem(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.bind(ctx, Binding{System: true}, fn)
}

func (b *Binder) bind(ctx context.Context, want Binding, fn func(ctx context.Context) error) error {
	if existing, ok := FromContext(ctx); ok {
		if !existing.matches(want) {
			return fmt.Errorf("%w: chain is bound to %s, requested %s", ErrBindingConflict, existing.String(), want.String())
		}
		return fn(ctx)
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve connection: %w", err)
	}
	observability.SetTenantBindingsActive(b.active.Add(1))
	defer func() {
		b.release(ctx, conn, want.String())
		observability.SetTenantBindingsActive(b.active.Add(-1))
	}()

	system := "off"
	if want.System {
		system = "on"
	}
	if _, err := conn.ExecContext(ctx, setSessionQuery, want.TenantID, want.MemberID, system); err != nil {
		return fmt.Errorf("set session variables: %w", err)
	}

	binding := want
	binding.conn = conn
	return fn(context.WithValue(ctx, bindingKey{}, &binding))
}

// release resets the session variables even when the caller's context is
// already done. A connection that cannot be reset is discarded instead of
// going back to the pool.
func (b *Binder) release(parent context.Context, conn *sql.Conn, scope string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.resetTimeout)
	defer cancel()

	if _, err := conn.ExecContext(ctx, resetSessionQuery); err != nil {
		observability.IncrementTenantBindingResetFailure()
		if b.logger != nil {
			b.logger.WarnContext(ctx, "tenant session reset failed; discarding connection",
				slog.String("scope", scope),
				slog.Any("error", err),
			)
		}
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) && b.logger != nil {
		b.logger.WarnContext(ctx, "release tenant connection failed", slog.String("scope", scope), slog.Any("error", err))
	}
}
