package sqldb

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/magpielab/magpie/internal/storage"
)

// dialect captures the few places SQLite and MySQL diverge.
type dialect struct {
	name         string
	driver       string
	schema       string
	insertIgnore string
	isDuplicate  func(error) bool
}

var dialects = map[string]dialect{
	storage.BackendSQLite: {
		name:         storage.BackendSQLite,
		driver:       "sqlite3",
		schema:       schemaSQLite,
		insertIgnore: "INSERT OR IGNORE",
		isDuplicate:  sqliteDuplicate,
	},
	storage.BackendMySQL: {
		name:         storage.BackendMySQL,
		driver:       "mysql",
		schema:       schemaMySQL,
		insertIgnore: "INSERT IGNORE",
		isDuplicate:  mysqlDuplicate,
	},
}

func sqliteDuplicate(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

func mysqlDuplicate(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		// 1062: ER_DUP_ENTRY
		return me.Number == 1062
	}
	return false
}
