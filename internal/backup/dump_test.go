package backup

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibyldev/sibyl/internal/common/config"
	"github.com/sibyldev/sibyl/internal/common/logger"
	"github.com/sibyldev/sibyl/internal/db"
)

func TestSplitSQLHonorsQuotedLiterals(t *testing.T) {
	dump := "-- header\n" +
		"CREATE TABLE t (v TEXT);\n" +
		"INSERT INTO t (v) VALUES ('a;b''c;\nd');\n" +
		"INSERT INTO t (v) VALUES ('x');\n"
	stmts := splitSQL(dump)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[0], "CREATE TABLE")
	assert.Contains(t, stmts[1], "a;b''c;\nd")
	assert.Contains(t, stmts[2], "('x')")
}

func TestSplitSQLDropsCommentOnlyChunks(t *testing.T) {
	stmts := splitSQL("-- preamble\n\nSELECT 1;\n-- trailing comment\n")
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "SELECT 1")
}

func TestSQLLiteralRendering(t *testing.T) {
	assert.Equal(t, "NULL", sqlLiteral(nil))
	assert.Equal(t, "42", sqlLiteral(int64(42)))
	assert.Equal(t, "1.5", sqlLiteral(1.5))
	assert.Equal(t, "1", sqlLiteral(true))
	assert.Equal(t, "0", sqlLiteral(false))
	assert.Equal(t, "'it''s'", sqlLiteral("it's"))
	assert.Equal(t, "'ab'", sqlLiteral([]byte("ab")))
	assert.Equal(t, "X'00ff'", sqlLiteral([]byte{0x00, 0xff}))
}

func TestCountInsertStatements(t *testing.T) {
	dump := "CREATE TABLE t (v TEXT);\n" +
		"INSERT INTO t (v) VALUES ('a');\n" +
		"INSERT INTO t (v) VALUES ('b');\n"
	assert.Equal(t, 2, countInsertStatements(dump))
}

func TestSQLiteDumpReplaysIntoFreshDatabase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, t.TempDir())
	seedGraph(t, env.graph, testOrg)

	dump, rowCount, err := env.service.dumpSQL(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rowCount, 5)
	assert.Contains(t, dump, "CREATE TABLE")
	assert.Contains(t, dump, `INSERT INTO "graph_nodes"`)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	fresh, err := db.Open(config.DatabaseConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "fresh.db"),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fresh.Close() })

	for _, stmt := range splitSQL(dump) {
		_, err := fresh.Writer().ExecContext(ctx, stmt)
		require.NoError(t, err, stmt)
	}

	var n int
	require.NoError(t, fresh.Reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM graph_nodes`))
	assert.Equal(t, 3, n)
	require.NoError(t, fresh.Reader().GetContext(ctx, &n, `SELECT COUNT(*) FROM graph_edges`))
	assert.Equal(t, 2, n)
}
