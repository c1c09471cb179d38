package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"finet/internal/log"
	"finet/internal/session"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
}

// dsn enables WAL and a busy timeout so the server and the worker can share
// one database file.
func dsn(dbPath string) string {
	return "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if logger == nil {
		logger = log.Nop()
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn(dbPath)); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		logger: logger.WithComponent(log.ComponentStorage),
		now:    time.Now,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// SessionStore returns a session.Store backed by the session_kv table.
func (r *SQLiteRepository) SessionStore(namespace string) *SessionStore {
	return &SessionStore{repo: r, namespace: namespace}
}

// SessionStore keeps the three session keys as rows of one namespace.
type SessionStore struct {
	repo      *SQLiteRepository
	namespace string
}

var _ session.Store = (*SessionStore)(nil)

func (s *SessionStore) Load(ctx context.Context) (session.Record, error) {
	rows, err := s.repo.db.QueryContext(ctx, selectSession, s.namespace,
		session.KeyToken, session.KeyUser, session.KeyLoginTime)
	if err != nil {
		return session.Record{}, fmt.Errorf("select session: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string, 3)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return session.Record{}, fmt.Errorf("scan session: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return session.Record{}, fmt.Errorf("iterate session: %w", err)
	}
	return session.Decode(values[session.KeyToken], values[session.KeyUser], values[session.KeyLoginTime])
}

// Save replaces the three keys in one transaction.
func (s *SessionStore) Save(ctx context.Context, rec session.Record) error {
	token, user, loginTime, err := session.Encode(rec)
	if err != nil {
		return err
	}
	now := s.repo.now().UnixMilli()

	return s.repo.withTx(ctx, func(tx *sql.Tx) error {
		for _, kv := range [][2]string{{session.KeyToken, token}, {session.KeyUser, user}} {
			if _, err := tx.ExecContext(ctx, upsertSessionKey, s.namespace, kv[0], kv[1], now); err != nil {
				return fmt.Errorf("save %s: %w", kv[0], err)
			}
		}
		if loginTime == "" {
			_, err = tx.ExecContext(ctx, deleteSessionKey, s.namespace, session.KeyLoginTime)
		} else {
			_, err = tx.ExecContext(ctx, upsertSessionKey, s.namespace, session.KeyLoginTime, loginTime, now)
		}
		if err != nil {
			return fmt.Errorf("save %s: %w", session.KeyLoginTime, err)
		}
		return nil
	})
}

func (s *SessionStore) Clear(ctx context.Context) error {
	if _, err := s.repo.db.ExecContext(ctx, clearSession, s.namespace); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
