package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingMigrationsSortedPerDialect(t *testing.T) {
	for _, dialect := range []Dialect{DialectPostgres, DialectMySQL, DialectSQLite} {
		names, err := pendingMigrations(dialect)
		require.NoError(t, err, dialect)
		require.NotEmpty(t, names, dialect)
		assert.Equal(t, "0001_init.sql", names[0])
	}
}

func TestSplitStatementsDropsEmpty(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x INT);\n\nCREATE TABLE b (y INT);\n")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}

func TestSchemaMigrationsDDLPerDialect(t *testing.T) {
	assert.Contains(t, schemaMigrationsDDL(DialectPostgres), "TIMESTAMPTZ")
	assert.Contains(t, schemaMigrationsDDL(DialectMySQL), "DATETIME")
	assert.Contains(t, schemaMigrationsDDL(DialectSQLite), "schema_migrations")
}
