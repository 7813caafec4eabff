package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/schema"
)

// postgresChannel carries the identity id of each changed document.
const postgresChannel = "quittances_documents"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS quittances_documents (
	identity   TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresMirror stores each document as a JSONB row. Pushes merge with
// the JSONB || operator and notify listeners with the identity id; the
// listener then reads the row, since NOTIFY payloads are size-limited.
type PostgresMirror struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresMirror wraps pool. Call EnsureSchema before first use.
func NewPostgresMirror(pool *pgxpool.Pool, logger zerolog.Logger) *PostgresMirror {
	return &PostgresMirror{
		pool:   pool,
		logger: logger.With().Str("component", "mirror").Str("backend", "postgres").Logger(),
	}
}

// OpenPostgresMirror connects, pings and creates the table.
func OpenPostgresMirror(ctx context.Context, url string, logger zerolog.Logger) (*PostgresMirror, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: postgres backend needs a URL", ErrNotConfigured)
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	m := NewPostgresMirror(pool, logger)
	if err := m.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return m, nil
}

// EnsureSchema creates the documents table if it doesn't exist. Idempotent.
func (m *PostgresMirror) EnsureSchema(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Pull implements Mirror.
func (m *PostgresMirror) Pull(ctx context.Context, id string) ([]byte, bool, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, false, err
	}

	var body []byte
	err := m.pool.QueryRow(ctx,
		`SELECT body FROM quittances_documents WHERE identity = $1`, id,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read remote document: %w", err)
	}
	return body, true, nil
}

// Push implements Mirror. updatedAt comes from the database clock.
func (m *PostgresMirror) Push(ctx context.Context, id string, doc schema.Document) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}

	sections, err := sectionsJSON(doc)
	if err != nil {
		return err
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO quittances_documents (identity, body, updated_at)
		VALUES ($1, $2::jsonb || jsonb_build_object('updatedAt', (extract(epoch FROM now()) * 1000)::bigint), now())
		ON CONFLICT (identity) DO UPDATE SET
			body = quittances_documents.body || EXCLUDED.body,
			updated_at = EXCLUDED.updated_at`,
		id, json.RawMessage(sections),
	)
	if err != nil {
		return fmt.Errorf("failed to write remote document: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, postgresChannel, id); err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Subscribe implements Mirror. The feed holds one pooled connection for
// LISTEN until closed; that connection is discarded afterwards.
func (m *PostgresMirror) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+postgresChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	sub := newSubscription(cancel)

	sub.goFeed(func() {
		defer func() {
			// A wait interrupted by cancellation leaves the connection
			// in an unknown state.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(feedCtx)
			if err != nil {
				if feedCtx.Err() != nil {
					return
				}
				sub.fail(fmt.Errorf("wait for notification: %w", err))
				return
			}
			if n.Payload != id {
				continue
			}

			data, ok, err := m.Pull(feedCtx, id)
			if err != nil {
				if feedCtx.Err() != nil {
					return
				}
				m.logger.Warn().Err(err).Str("identity", id).Msg("read notified document")
				continue
			}
			if ok {
				sub.send(Change{Data: data})
			}
		}
	})

	return sub, nil
}

// Close implements Mirror.
func (m *PostgresMirror) Close() error {
	m.pool.Close()
	return nil
}
