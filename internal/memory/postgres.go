package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies the conversation memory schema to the database at
// databaseURL.
func Migrate(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply memory migrations: %w", err)
	}
	return nil
}

// Rollback reverts the conversation memory schema.
func Rollback(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert memory migrations: %w", err)
	}
	return nil
}

// NewMigrator returns a migrator over the embedded memory schema. Callers
// close it.
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is not set")
	}
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) {
	_, _ = m.Close()
}

// PostgresStore keeps entries in the conversation_memory table. It is meant
// for deployments that run several bridge processes against one database.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// OpenPostgres connects with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: normalizeTTL(ttl), now: time.Now}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	var entry Entry
	err := s.db.QueryRowContext(ctx, `
		SELECT bot_account, message_source, conversation_id, last_activity
		FROM conversation_memory
		WHERE memory_key = $1`, key,
	).Scan(&entry.BotAccount, &entry.MessageSource, &entry.ConversationID, &entry.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select memory %s: %w", key, err)
	}

	if expired(entry, s.now(), s.ttl) {
		if err := s.deleteIfExpired(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &entry, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, entry Entry) error {
	if err := validate(key, entry); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_memory (memory_key, bot_account, message_source, conversation_id, last_activity, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (memory_key) DO UPDATE SET
			bot_account = EXCLUDED.bot_account,
			message_source = EXCLUDED.message_source,
			conversation_id = EXCLUDED.conversation_id,
			last_activity = EXCLUDED.last_activity,
			updated_at = NOW()`,
		key, entry.BotAccount, entry.MessageSource, entry.ConversationID, entry.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_memory WHERE memory_key = $1`, key); err != nil {
		return fmt.Errorf("delete memory %s: %w", key, err)
	}
	return nil
}

// Sweep deletes every expired row.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_memory WHERE last_activity < $1`, s.now().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// deleteIfExpired only removes the row if it is still expired, so a Put that
// raced with the read is kept.
func (s *PostgresStore) deleteIfExpired(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_memory WHERE memory_key = $1 AND last_activity < $2`,
		key, s.now().Add(-s.ttl))
	if err != nil {
		return fmt.Errorf("delete expired memory %s: %w", key, err)
	}
	return nil
}
