package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"thunderstorm.io/auth/internal/auth"
	"thunderstorm.io/auth/internal/cache"
	"thunderstorm.io/auth/internal/obs"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres auth store. It owns the permission→roles membership
// cache used by IsPermissionInRoles.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool

	schema   string
	service  string
	cache    cache.Membership
	cacheTTL time.Duration
	log      *zap.Logger
}

var _ auth.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store) error

// WithSchema places the auth tables in schema instead of ts_auth.
func WithSchema(schema string) Option {
	return func(s *Store) error {
		checked, err := checkSchema(schema)
		if err != nil {
			return err
		}
		s.schema = checked
		return nil
	}
}

// WithServiceName scopes permission lookups and listings to service.
func WithServiceName(service string) Option {
	return func(s *Store) error {
		s.service = strings.TrimSpace(service)
		return nil
	}
}

// WithCache replaces the default in-memory membership cache.
func WithCache(c cache.Membership) Option {
	return func(s *Store) error {
		if c == nil {
			return errors.New("pg: nil cache")
		}
		s.cache = c
		return nil
	}
}

// WithCacheTTL sets the TTL of membership cache entries.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) error {
		if ttl <= 0 {
			return errors.New("pg: cache ttl must be positive")
		}
		s.cacheTTL = ttl
		return nil
	}
}

// WithLogger sets the logger used for cache fallbacks.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) error {
		if l != nil {
			s.log = l
		}
		return nil
	}
}

// New wraps an existing connection pool.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:       db,
		schema:   auth.DefaultSchema,
		cacheTTL: cache.DefaultTTL,
		log:      obs.Component("store"),
	}
	if db != nil {
		s.q = db
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, auth.Wrap(auth.ErrConfiguration, err)
		}
	}
	if s.cache == nil {
		s.cache = cache.NewMemory(cache.DefaultSize, s.cacheTTL)
	}
	return s, nil
}

// Open connects to dsn through the pgx stdlib driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

// Schema returns the database schema holding the auth tables.
func (s *Store) Schema() string { return s.schema }

// ServiceName returns the service permissions are scoped to, "" for none.
func (s *Store) ServiceName() string { return s.service }

// WithTx runs fn against a store bound to a single transaction. Cache entries
// are not written from inside the transaction.
func (s *Store) WithTx(ctx context.Context, fn func(auth.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if s.db == nil {
		return errUnavailable()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	scoped := *s
	scoped.q = tx
	scoped.inTx = true
	if err := fn(&scoped); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit", err)
	}
	return nil
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

func errUnavailable() error {
	return auth.Wrap(auth.ErrStore, errors.New("database connection unavailable"))
}

// storeError maps driver errors onto the auth taxonomy.
func storeError(op string, err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return auth.Wrap(auth.ErrConflict, fmt.Errorf("%s: %w", op, err))
		case pgErrForeignKeyViolation:
			return auth.Wrap(auth.ErrIntegrity, fmt.Errorf("%s: %w", op, err))
		}
	}
	return auth.Wrap(auth.ErrStore, fmt.Errorf("%s: %w", op, err))
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// canonical returns the lowercase hyphenated form of id.
func canonical(id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", auth.Errorf(auth.ErrInvalidInput, fmt.Sprintf("invalid uuid %q", id))
	}
	return parsed.String(), nil
}

func canonicalAll(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c, err := canonical(id)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

// placeholders renders "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
