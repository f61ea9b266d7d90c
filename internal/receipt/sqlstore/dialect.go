package sqlstore

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect names a supported SQL backend
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ParseDialect maps a store name to a Dialect
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", name)
	}
}

// driverName returns the database/sql driver registered for the dialect
func (d Dialect) driverName() string {
	switch d {
	case Postgres:
		return "pgx"
	case MySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// schema returns the DDL statements, executed one at a time
func (d Dialect) schema() []string {
	switch d {
	case Postgres:
		return []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGSERIAL PRIMARY KEY,
				username VARCHAR(255) NOT NULL UNIQUE,
				email VARCHAR(255) NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS receipt_items (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				receipt_id VARCHAR(255) NOT NULL DEFAULT '',
				item_name VARCHAR(255) NOT NULL,
				quantity INTEGER NOT NULL,
				price NUMERIC NOT NULL,
				total_amount NUMERIC NOT NULL,
				category VARCHAR(100) NOT NULL DEFAULT '',
				store_name VARCHAR(255) NOT NULL DEFAULT '',
				purchase_date VARCHAR(10),
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_receipt_items_user ON receipt_items(user_id)`,
		}
	case MySQL:
		return []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				username VARCHAR(255) NOT NULL UNIQUE,
				email VARCHAR(255) NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS receipt_items (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				user_id BIGINT NOT NULL,
				receipt_id VARCHAR(255) NOT NULL DEFAULT '',
				item_name VARCHAR(255) NOT NULL,
				quantity INT NOT NULL,
				price DECIMAL(18,4) NOT NULL,
				total_amount DECIMAL(18,4) NOT NULL,
				category VARCHAR(100) NOT NULL DEFAULT '',
				store_name VARCHAR(255) NOT NULL DEFAULT '',
				purchase_date VARCHAR(10),
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				INDEX idx_receipt_items_user (user_id),
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
		}
	default:
		return []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				email TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS receipt_items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				receipt_id TEXT NOT NULL DEFAULT '',
				item_name TEXT NOT NULL,
				quantity INTEGER NOT NULL,
				price TEXT NOT NULL,
				total_amount TEXT NOT NULL,
				category TEXT NOT NULL DEFAULT '',
				store_name TEXT NOT NULL DEFAULT '',
				purchase_date TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_receipt_items_user ON receipt_items(user_id)`,
		}
	}
}

// rebind rewrites ? placeholders to $n for Postgres
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// isUniqueViolation reports whether err is a unique constraint failure
func (d Dialect) isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
