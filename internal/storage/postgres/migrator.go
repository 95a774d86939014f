package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsGlob = "sql/migrations/*.sql"
	// Ключ advisory lock, общий для всех реплик сервиса бронирования.
	migrationLockKey = int64(20260701)

	createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version BIGINT PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	selectAppliedMigrations = `SELECT version, applied_at FROM schema_migrations`
	insertAppliedMigration  = `INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, NOW())`
	deleteAppliedMigration  = `DELETE FROM schema_migrations WHERE version = $1`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	// 0003_messaging.up.sql → версия, имя, направление.
	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)
)

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) String() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// MigrationInfo — состояние одной миграции для вывода в утилите migrate.
type MigrationInfo struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// sqlRunner покрывает *sql.DB и *sql.Conn.
type sqlRunner interface {
	txStarter
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// MigrateUp применяет up-миграции; steps=0 применяет все недостающие.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние steps миграций, минимум одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationDown, max(steps, 1))
}

// MigrationStatus возвращает текущую версию схемы и число применённых миграций.
func (s *Store) MigrationStatus(ctx context.Context) (int64, int, error) {
	if s == nil || s.db == nil {
		return 0, 0, errStoreNotInitialized
	}
	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	applied, err := readApplied(queryCtx, s.db)
	if err != nil {
		return 0, 0, err
	}
	var version int64
	for v := range applied {
		version = max(version, v)
	}
	return version, len(applied), nil
}

// Migrations перечисляет встроенные миграции с отметкой о применении.
func (s *Store) Migrations(ctx context.Context) ([]MigrationInfo, error) {
	if s == nil || s.db == nil {
		return nil, errStoreNotInitialized
	}
	known, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	applied, err := readApplied(queryCtx, s.db)
	if err != nil {
		return nil, err
	}

	infos := make([]MigrationInfo, len(known))
	for i, m := range known {
		at, ok := applied[m.Version]
		infos[i] = MigrationInfo{Version: m.Version, Name: m.Name, Applied: ok, AppliedAt: at}
	}
	return infos, nil
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}
	known, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	return s.withMigrationLock(ctx, func(conn *sql.Conn) error {
		applied, err := readApplied(ctx, conn)
		if err != nil {
			return err
		}
		done := make(map[int64]bool, len(applied))
		for v := range applied {
			done[v] = true
		}
		for _, m := range planMigrations(known, done, direction, steps) {
			if err := applyMigration(ctx, conn, m, direction); err != nil {
				return err
			}
		}
		return nil
	})
}

// withMigrationLock держит advisory lock на выделенном соединении, пока выполняется fn:
// несколько реплик, стартующих одновременно, мигрируют по очереди.
func (s *Store) withMigrationLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", migrationLockKey)
	}()

	return fn(conn)
}

// readApplied создаёт служебную таблицу при необходимости и возвращает
// применённые версии со временем применения.
func readApplied(ctx context.Context, db sqlRunner) (map[int64]time.Time, error) {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	rows, err := db.QueryContext(ctx, selectAppliedMigrations)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]time.Time)
	for rows.Next() {
		var (
			version int64
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// planMigrations выбирает миграции в порядке выполнения.
// up идёт по возрастанию версий и пропускает применённые; down откатывает
// только применённые, начиная с последней.
func planMigrations(all []migration, applied map[int64]bool, direction migrationDirection, steps int) []migration {
	ordered := all
	if direction == migrationDown {
		ordered = make([]migration, len(all))
		for i, m := range all {
			ordered[len(all)-1-i] = m
		}
	}

	var plan []migration
	for _, m := range ordered {
		if applied[m.Version] != (direction == migrationDown) {
			continue
		}
		plan = append(plan, m)
		if steps > 0 && len(plan) == steps {
			break
		}
	}
	return plan
}

// applyMigration выполняет тело миграции и запись в schema_migrations одной транзакцией.
func applyMigration(ctx context.Context, db sqlRunner, m migration, direction migrationDirection) error {
	body, record, args := m.UpSQL, insertAppliedMigration, []any{m.Version, m.Name}
	if direction == migrationDown {
		body, record, args = m.DownSQL, deleteAppliedMigration, []any{m.Version}
	}

	err := inTx(ctx, db, nil, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		if _, err := tx.ExecContext(ctx, record, args...); err != nil {
			return fmt.Errorf("record: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s migration %s: %w", direction, m, err)
	}
	return nil
}

// parseMigrationFile разбирает имя файла вида 0001_name.up.sql.
func parseMigrationFile(base string) (int64, string, migrationDirection, error) {
	parts := migrationFilePattern.FindStringSubmatch(base)
	if parts == nil {
		return 0, "", "", fmt.Errorf("invalid migration file name: %s", base)
	}
	version, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", "", fmt.Errorf("parse migration version from %s: %w", base, err)
	}
	return version, parts[2], migrationDirection(parts[3]), nil
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration, len(files)/2)
	for _, file := range files {
		base := path.Base(file)
		version, name, direction, err := parseMigrationFile(base)
		if err != nil {
			return nil, err
		}

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file %s is empty", base)
		}

		m := byVersion[version]
		switch {
		case m == nil:
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		case m.Name != name:
			return nil, fmt.Errorf("migration name mismatch for version %d: %s vs %s", version, m.Name, name)
		}

		slot := &m.UpSQL
		if direction == migrationDown {
			slot = &m.DownSQL
		}
		if *slot != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*slot = body
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}
