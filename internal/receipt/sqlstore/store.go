// Package sqlstore provides a database/sql implementation of receipt.DB for
// SQLite, Postgres and MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/zombor/receipt-ledger/internal/receipt"
)

// Ensure Store implements receipt.DB
var _ receipt.DB = (*Store)(nil)

const dateLayout = "2006-01-02"

const itemColumns = `id, user_id, receipt_id, item_name, quantity, price, total_amount,
	category, store_name, purchase_date, created_at, updated_at`

// Store implements receipt.DB on top of database/sql
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	// lookupUser is the first read of GetOrCreateUser
	lookupUser func(ctx context.Context, username string) (*receipt.User, error)
}

// Open connects to the database and creates the schema. For SQLite the dsn
// is a file path and parent directories are created.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	if dialect == SQLite {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := New(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open connection pool and runs migrations
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if dialect == SQLite {
		// one writer at a time; concurrent get-or-create calls queue instead of failing
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range dialect.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	s := &Store{db: db, dialect: dialect, now: time.Now}
	s.lookupUser = s.userByName
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreateUser selects the user, inserts it when missing and rereads on a
// unique violation so concurrent first references converge on one row.
func (s *Store) GetOrCreateUser(ctx context.Context, username string) (*receipt.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}

	user, err := s.lookupUser(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, receipt.ErrUserNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	id, err := s.insertReturningID(ctx,
		"INSERT INTO users (username, email, created_at, updated_at) VALUES (?, ?, ?, ?)",
		username, "", now.Unix(), now.Unix(),
	)
	if s.dialect.isUniqueViolation(err) {
		return s.userByName(ctx, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	created := time.Unix(now.Unix(), 0).UTC()
	return &receipt.User{ID: id, Username: username, CreatedAt: created, UpdatedAt: created}, nil
}

// GetUser retrieves a user by id
func (s *Store) GetUser(ctx context.Context, id int64) (*receipt.User, error) {
	return s.scanUser(ctx, "SELECT id, username, email, created_at, updated_at FROM users WHERE id = ?", id)
}

func (s *Store) userByName(ctx context.Context, username string) (*receipt.User, error) {
	return s.scanUser(ctx, "SELECT id, username, email, created_at, updated_at FROM users WHERE username = ?", username)
}

func (s *Store) scanUser(ctx context.Context, query string, arg any) (*receipt.User, error) {
	var (
		user             receipt.User
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), arg).Scan(
		&user.ID, &user.Username, &user.Email, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", receipt.ErrUserNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.CreatedAt = time.Unix(created, 0).UTC()
	user.UpdatedAt = time.Unix(updated, 0).UTC()
	return &user, nil
}

// SaveItems writes the batch in one transaction
func (s *Store) SaveItems(ctx context.Context, userID int64, items []*receipt.StoredItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind("SELECT id FROM users WHERE id = ?"), userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", receipt.ErrUserNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}

	query := `INSERT INTO receipt_items (user_id, receipt_id, item_name, quantity, price, total_amount,
		category, store_name, purchase_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stored := make([]receipt.StoredItem, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		row := *item
		row.UserID = userID
		row.ComputeTotal()
		if row.CreatedAt.IsZero() {
			row.CreatedAt = s.now().UTC()
		}
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = row.CreatedAt
		}

		args := []any{
			userID, row.ReceiptID, row.ItemName, row.Quantity,
			row.UnitPrice.String(), row.TotalAmount.String(),
			row.Category, row.StoreName, nullDate(row.PurchaseDate),
			row.CreatedAt.Unix(), row.UpdatedAt.Unix(),
		}

		id, err := insertReturningID(ctx, tx, s.dialect, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
		row.ID = id
		stored[i] = row
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	for i, item := range items {
		*item = stored[i]
	}
	return nil
}

// GetItem retrieves one of the user's items
func (s *Store) GetItem(ctx context.Context, userID, itemID int64) (*receipt.StoredItem, error) {
	row := s.db.QueryRowContext(ctx,
		s.dialect.rebind("SELECT "+itemColumns+" FROM receipt_items WHERE id = ? AND user_id = ?"),
		itemID, userID,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", receipt.ErrItemNotFound, itemID)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItem rewrites one of the user's items. Ownership is checked inside
// the transaction so a row of another user is never touched.
func (s *Store) UpdateItem(ctx context.Context, userID int64, item *receipt.StoredItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var created int64
	err = tx.QueryRowContext(ctx,
		s.dialect.rebind("SELECT created_at FROM receipt_items WHERE id = ? AND user_id = ?"),
		item.ID, userID,
	).Scan(&created)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", receipt.ErrItemNotFound, item.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to get item: %w", err)
	}

	updated := *item
	updated.UserID = userID
	updated.CreatedAt = time.Unix(created, 0).UTC()
	updated.UpdatedAt = time.Unix(s.now().Unix(), 0).UTC()
	updated.ComputeTotal()

	_, err = tx.ExecContext(ctx, s.dialect.rebind(`UPDATE receipt_items SET receipt_id = ?, item_name = ?,
		quantity = ?, price = ?, total_amount = ?, category = ?, store_name = ?, purchase_date = ?,
		updated_at = ? WHERE id = ? AND user_id = ?`),
		updated.ReceiptID, updated.ItemName, updated.Quantity,
		updated.UnitPrice.String(), updated.TotalAmount.String(),
		updated.Category, updated.StoreName, nullDate(updated.PurchaseDate),
		updated.UpdatedAt.Unix(), updated.ID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	*item = updated
	return nil
}

// DeleteItem removes one of the user's items
func (s *Store) DeleteItem(ctx context.Context, userID, itemID int64) error {
	res, err := s.db.ExecContext(ctx,
		s.dialect.rebind("DELETE FROM receipt_items WHERE id = ? AND user_id = ?"),
		itemID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", receipt.ErrItemNotFound, itemID)
	}
	return nil
}

func nullDate(d *time.Time) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Format(dateLayout), Valid: true}
}

// ListItems returns the user's items matching the filter in insertion order.
// user_id, receipt_id and the date range are pushed into SQL; the text
// matches run through filter.Matches so every backend agrees on case folding.
func (s *Store) ListItems(ctx context.Context, userID int64, filter receipt.ItemFilter) ([]*receipt.StoredItem, error) {
	query := "SELECT " + itemColumns + " FROM receipt_items WHERE user_id = ?"
	args := []any{userID}
	if filter.ReceiptID != "" {
		query += " AND receipt_id = ?"
		args = append(args, filter.ReceiptID)
	}
	if filter.From != nil {
		query += " AND purchase_date >= ?"
		args = append(args, filter.From.Format(dateLayout))
	}
	if filter.To != nil {
		query += " AND purchase_date <= ?"
		args = append(args, filter.To.Format(dateLayout))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	items := make([]*receipt.StoredItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(item) {
			items = append(items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(rows rowScanner) (*receipt.StoredItem, error) {
	var (
		item             receipt.StoredItem
		price, total     decimal.Decimal
		purchaseDate     sql.NullString
		created, updated int64
	)
	err := rows.Scan(
		&item.ID, &item.UserID, &item.ReceiptID, &item.ItemName, &item.Quantity,
		&price, &total, &item.Category, &item.StoreName, &purchaseDate,
		&created, &updated,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	item.UnitPrice = price
	item.TotalAmount = total
	if purchaseDate.Valid {
		if d, err := time.Parse(dateLayout, purchaseDate.String); err == nil {
			item.PurchaseDate = &d
		}
	}
	item.CreatedAt = time.Unix(created, 0).UTC()
	item.UpdatedAt = time.Unix(updated, 0).UTC()
	return &item, nil
}

func (s *Store) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	return insertReturningID(ctx, s.db, s.dialect, query, args...)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertReturningID uses RETURNING on Postgres and LastInsertId elsewhere
func insertReturningID(ctx context.Context, q execQuerier, dialect Dialect, query string, args ...any) (int64, error) {
	if dialect == Postgres {
		var id int64
		err := q.QueryRowContext(ctx, dialect.rebind(query+" RETURNING id"), args...).Scan(&id)
		return id, err
	}
	res, err := q.ExecContext(ctx, dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
