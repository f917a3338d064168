package sqlstore

import (
	"fmt"
	"math"
	"strings"
)

// Driver 标识底层数据库方言。
type Driver string

const (
	DriverMySQL  Driver = "mysql"
	DriverSQLite Driver = "sqlite"
)

const taskColumns = `id, creator, target, function_name, args, resolver, interval_seconds, last_run, gas_balance`

type dialect struct {
	driver Driver
	// maxInteger 是该方言整数列（id、interval_seconds、last_run）能无损保存的最大值。
	maxInteger     uint64
	migrationTable string
	upsertTail     string
	lockClause     string
}

var dialects = map[Driver]dialect{
	DriverMySQL: {
		driver:     DriverMySQL,
		maxInteger: math.MaxUint64,
		migrationTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`,
		upsertTail: `ON DUPLICATE KEY UPDATE creator = VALUES(creator), target = VALUES(target), function_name = VALUES(function_name),
    args = VALUES(args), resolver = VALUES(resolver), interval_seconds = VALUES(interval_seconds),
    last_run = VALUES(last_run), gas_balance = VALUES(gas_balance), updated_at = VALUES(updated_at)`,
		lockClause: ` FOR UPDATE`,
	},
	DriverSQLite: {
		driver:     DriverSQLite,
		maxInteger: math.MaxInt64,
		migrationTable: `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT NOT NULL PRIMARY KEY,
        applied_at INTEGER NOT NULL
)`,
		upsertTail: `ON CONFLICT(id) DO UPDATE SET creator = excluded.creator, target = excluded.target, function_name = excluded.function_name,
    args = excluded.args, resolver = excluded.resolver, interval_seconds = excluded.interval_seconds,
    last_run = excluded.last_run, gas_balance = excluded.gas_balance, updated_at = excluded.updated_at`,
	},
}

func dialectFor(driver Driver) (dialect, error) {
	d, ok := dialects[Driver(strings.ToLower(strings.TrimSpace(string(driver))))]
	if !ok {
		return dialect{}, fmt.Errorf("不支持的数据库驱动 %q", driver)
	}
	return d, nil
}

func (d dialect) selectSQL(forUpdate bool) string {
	query := `SELECT ` + taskColumns + `
    FROM tasks WHERE id = ?`
	if forUpdate {
		query += d.lockClause
	}
	return query
}

func (d dialect) upsertSQL() string {
	return `INSERT INTO tasks
    (` + taskColumns + `, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ` + d.upsertTail
}
