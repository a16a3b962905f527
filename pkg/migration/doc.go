/*
Package migration applies and rolls back the SQL migration files shipped with
a plugin.

A migration file carries two sections:

	-- +migrate Up
	CREATE TABLE author (id INTEGER PRIMARY KEY, name TEXT);
	-- +migrate Down
	DROP TABLE author;

Statements are split on semicolons outside of quotes and comments and run one
by one through an Executor. SQLExecutor wraps database/sql and is opened on
the pure Go SQLite driver; PgxExecutor runs against PostgreSQL through a pgx
pool.

# Locking

Only one node migrates at a time. The Engine proposes AcquireMigrationLock
through the replicated log before touching the database and re-checks
ownership before every statement. If the holder goes offline another node may
take the lock over; the previous holder notices through Observe, stops at the
next statement and reports "lock already released" without rolling back.

# Records

Every applied file is recorded with its MD5 checksum and the plugin version
that applied it. A newer version must list the recorded files first, with the
same checksums, or Up fails as inconsistent with the previous version.

Failing UP statements roll back the failed file and every file applied by the
same call, newest first.
*/
package migration
