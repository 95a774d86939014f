package postgres

import (
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqlFile(body string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(body)}
}

func TestLoadMigrationsFromFS_Embedded(t *testing.T) {
	migrations, err := loadMigrationsFromFS(migrationsFS)
	require.NoError(t, err)
	require.Len(t, migrations, len(tablesByVersion))

	for i, m := range migrations {
		assert.Equal(t, int64(i+1), m.Version)
		for _, table := range tablesByVersion[i+1] {
			assert.Contains(t, m.UpSQL, table, "migration %d_%s creates %s", m.Version, m.Name, table)
			assert.Contains(t, m.DownSQL, table, "migration %d_%s drops %s", m.Version, m.Name, table)
		}
	}
	assert.Equal(t, []string{"booking_core", "refunds", "messaging"},
		[]string{migrations[0].Name, migrations[1].Name, migrations[2].Name})
}

func TestLoadMigrationsFromFS_SortsByVersion(t *testing.T) {
	migrations, err := loadMigrationsFromFS(fstest.MapFS{
		"sql/migrations/0010_refunds.up.sql":        sqlFile("CREATE TABLE refund_applies (id TEXT);"),
		"sql/migrations/0010_refunds.down.sql":      sqlFile("DROP TABLE refund_applies;"),
		"sql/migrations/0002_booking_core.up.sql":   sqlFile("CREATE TABLE orders (order_no TEXT);"),
		"sql/migrations/0002_booking_core.down.sql": sqlFile("  DROP TABLE orders;\n"),
	})
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, int64(2), migrations[0].Version)
	assert.Equal(t, "DROP TABLE orders;", migrations[0].DownSQL)
	assert.Equal(t, "refunds", migrations[1].Name)
}

func TestLoadMigrationsFromFS_Rejects(t *testing.T) {
	tests := []struct {
		name string
		fs   fstest.MapFS
		want string
	}{
		{
			name: "no files",
			fs:   fstest.MapFS{},
			want: "no migration files",
		},
		{
			name: "missing down",
			fs:   fstest.MapFS{"sql/migrations/0001_slots.up.sql": sqlFile("CREATE TABLE slots (key TEXT);")},
			want: "both up and down",
		},
		{
			name: "bad file name",
			fs:   fstest.MapFS{"sql/migrations/slots.sql": sqlFile("SELECT 1;")},
			want: "invalid migration file name",
		},
		{
			name: "empty body",
			fs: fstest.MapFS{
				"sql/migrations/0001_slots.up.sql":   sqlFile(" \n\t"),
				"sql/migrations/0001_slots.down.sql": sqlFile("DROP TABLE slots;"),
			},
			want: "is empty",
		},
		{
			name: "name mismatch",
			fs: fstest.MapFS{
				"sql/migrations/0001_slots.up.sql":    sqlFile("SELECT 1;"),
				"sql/migrations/0001_orders.down.sql": sqlFile("SELECT 1;"),
			},
			want: "name mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadMigrationsFromFS(tt.fs)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}

func TestPlanMigrations(t *testing.T) {
	all := []migration{{Version: 1}, {Version: 2}, {Version: 3}}

	versions := func(plan []migration) []int64 {
		out := make([]int64, 0, len(plan))
		for _, m := range plan {
			out = append(out, m.Version)
		}
		return out
	}

	tests := []struct {
		name      string
		applied   map[int64]bool
		direction migrationDirection
		steps     int
		want      []int64
	}{
		{"up all pending", map[int64]bool{1: true}, migrationUp, 0, []int64{2, 3}},
		{"up one step", map[int64]bool{1: true}, migrationUp, 1, []int64{2}},
		{"up fills a gap", map[int64]bool{1: true, 3: true}, migrationUp, 0, []int64{2}},
		{"down newest first", map[int64]bool{1: true, 2: true}, migrationDown, 5, []int64{2, 1}},
		{"down one step", map[int64]bool{1: true, 2: true, 3: true}, migrationDown, 1, []int64{3}},
		{"down on empty schema", map[int64]bool{}, migrationDown, 1, []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, versions(planMigrations(all, tt.applied, tt.direction, tt.steps)))
		})
	}
}
