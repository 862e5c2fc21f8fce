package timerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/guildlog"
)

// PostgresStore is the production TimerStore backed by a pgx pool. The pool
// is shared across all guilds; per-guild isolation comes from the guild_id
// predicate on every statement.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id BIGSERIAL PRIMARY KEY,
			guild_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			unique_key TEXT,
			data JSONB NOT NULL,
			exec_at TIMESTAMPTZ(3) NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_scheduled_tasks_guild_name_key
			ON scheduled_tasks (guild_id, name, unique_key) WHERE unique_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_guild_exec_at
			ON scheduled_tasks (guild_id, exec_at)`,
		`CREATE TABLE IF NOT EXISTS guild_logs (
			id UUID PRIMARY KEY,
			guild_id BIGINT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			script_name TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_guild_logs_guild_created
			ON guild_logs (guild_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const taskColumns = `id, guild_id, name, unique_key, data, exec_at`

func (s *PostgresStore) GetNextTaskTime(ctx context.Context, guildID domain.GuildID, excludeIDs []uint64, includeNames []string) (*time.Time, error) {
	if len(includeNames) == 0 {
		return nil, nil
	}

	var t time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT exec_at FROM scheduled_tasks
		WHERE guild_id = $1
		  AND NOT (id = ANY($2::bigint[]))
		  AND name = ANY($3::text[])
		ORDER BY exec_at ASC
		LIMIT 1
	`, int64(guildID), int64Slice(excludeIDs), includeNames).Scan(&t)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get next task time: %w", err)
	}
	t = t.UTC()
	return &t, nil
}

func (s *PostgresStore) GetTriggeredTasks(ctx context.Context, guildID domain.GuildID, now time.Time, excludeIDs []uint64, includeNames []string) ([]*domain.ScheduledTask, error) {
	if len(includeNames) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE guild_id = $1
		  AND exec_at <= $2
		  AND NOT (id = ANY($3::bigint[]))
		  AND name = ANY($4::text[])
		ORDER BY exec_at ASC
	`, int64(guildID), now, int64Slice(excludeIDs), includeNames)
	if err != nil {
		return nil, fmt.Errorf("get triggered tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) CreateTask(ctx context.Context, guildID domain.GuildID, namespace string, uniqueKey *string, data json.RawMessage, execAt time.Time) (*domain.ScheduledTask, error) {
	if len(data) == 0 {
		data = json.RawMessage(`null`)
	}
	execAt = execAt.UTC().Truncate(time.Millisecond)

	var row pgx.Row
	if uniqueKey != nil {
		row = s.pool.QueryRow(ctx, `
			INSERT INTO scheduled_tasks (guild_id, name, unique_key, data, exec_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (guild_id, name, unique_key) WHERE unique_key IS NOT NULL
			DO UPDATE SET data = EXCLUDED.data, exec_at = EXCLUDED.exec_at
			RETURNING `+taskColumns+`
		`, int64(guildID), namespace, *uniqueKey, data, execAt)
	} else {
		row = s.pool.QueryRow(ctx, `
			INSERT INTO scheduled_tasks (guild_id, name, unique_key, data, exec_at)
			VALUES ($1, $2, NULL, $3, $4)
			RETURNING `+taskColumns+`
		`, int64(guildID), namespace, data, execAt)
	}

	task, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetTaskByID(ctx context.Context, guildID domain.GuildID, id uint64) (*domain.ScheduledTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks WHERE guild_id = $1 AND id = $2
	`, int64(guildID), int64(id))

	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by id: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetTaskByKey(ctx context.Context, guildID domain.GuildID, namespace, key string) (*domain.ScheduledTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE guild_id = $1 AND name = $2 AND unique_key = $3
	`, int64(guildID), namespace, key)

	task, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task by key: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) GetTasks(ctx context.Context, guildID domain.GuildID, namespace *string, afterID uint64, limit int) ([]*domain.ScheduledTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE guild_id = $1
		  AND ($2::text IS NULL OR name = $2)
		  AND id > $3
		ORDER BY id ASC
		LIMIT $4
	`, int64(guildID), namespace, int64(afterID), limit)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *PostgresStore) GetTaskCount(ctx context.Context, guildID domain.GuildID) (uint64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scheduled_tasks WHERE guild_id = $1
	`, int64(guildID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("get task count: %w", err)
	}
	return uint64(n), nil
}

func (s *PostgresStore) DelTaskByID(ctx context.Context, guildID domain.GuildID, id uint64) (uint64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM scheduled_tasks WHERE guild_id = $1 AND id = $2
	`, int64(guildID), int64(id))
	if err != nil {
		return 0, fmt.Errorf("del task by id: %w", err)
	}
	return uint64(ct.RowsAffected()), nil
}

func (s *PostgresStore) DelTaskByKey(ctx context.Context, guildID domain.GuildID, namespace, key string) (uint64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM scheduled_tasks WHERE guild_id = $1 AND name = $2 AND unique_key = $3
	`, int64(guildID), namespace, key)
	if err != nil {
		return 0, fmt.Errorf("del task by key: %w", err)
	}
	return uint64(ct.RowsAffected()), nil
}

func (s *PostgresStore) DelAllTasks(ctx context.Context, guildID domain.GuildID, namespace *string) (uint64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM scheduled_tasks WHERE guild_id = $1 AND ($2::text IS NULL OR name = $2)
	`, int64(guildID), namespace)
	if err != nil {
		return 0, fmt.Errorf("del all tasks: %w", err)
	}
	return uint64(ct.RowsAffected()), nil
}

// WriteEntries implements guildlog.Sink so guild-visible log lines land next
// to the tasks they describe.
func (s *PostgresStore) WriteEntries(ctx context.Context, entries []guildlog.Entry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO guild_logs (id, guild_id, level, message, script_name, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, e.ID, int64(e.GuildID), e.Level.String(), e.Message, e.ScriptName, e.CreatedAt)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range entries {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("write guild log: %w", err)
		}
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.ScheduledTask, error) {
	var (
		task    domain.ScheduledTask
		id      int64
		guildID int64
	)
	err := row.Scan(&id, &guildID, &task.Namespace, &task.UniqueKey, &task.Data, &task.ExecAt)
	if err != nil {
		return nil, err
	}
	task.ID = uint64(id)
	task.GuildID = domain.GuildID(guildID)
	task.ExecAt = task.ExecAt.UTC()
	return &task, nil
}

func scanTasks(rows pgx.Rows) ([]*domain.ScheduledTask, error) {
	var tasks []*domain.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func int64Slice(v []uint64) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}
