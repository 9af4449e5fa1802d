package items

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const itemColumns = "id, name, description, category"

// SQLiteStore persists items in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the item database at dbPath. A newly
// created database is seeded with Seed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open items database: %w", err)
	}
	s, err := NewSQLiteStoreDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreDB wraps an already-open database. The caller chooses
// the driver.
func NewSQLiteStoreDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate items: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'items'`).Scan(&exists)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'Uncategorized'
		)
	`)
	if err != nil || exists > 0 {
		return err
	}

	for _, it := range Seed() {
		_, err := s.db.Exec(`INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?)`,
			it.ID, it.Name, it.Description, it.Category)
		if err != nil {
			return fmt.Errorf("seed item %d: %w", it.ID, err)
		}
	}
	return nil
}

// List returns all items ordered by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	out := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Name, &it.Description, &it.Category); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Get returns the item with the given ID.
func (s *SQLiteStore) Get(ctx context.Context, id int) (Item, error) {
	var it Item
	err := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id).
		Scan(&it.ID, &it.Name, &it.Description, &it.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item %d: %w", id, err)
	}
	return it, nil
}

// Create inserts it and returns it with its assigned ID.
func (s *SQLiteStore) Create(ctx context.Context, it Item) (Item, error) {
	if it.Category == "" {
		it.Category = DefaultCategory
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items (name, description, category) VALUES (?, ?, ?)`,
		it.Name, it.Description, it.Category)
	if err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}
	it.ID = int(id)
	return it, nil
}

// Update applies p to the item with the given ID.
func (s *SQLiteStore) Update(ctx context.Context, id int, p Patch) (Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var it Item
	err = tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id).
		Scan(&it.ID, &it.Name, &it.Description, &it.Category)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get item %d: %w", id, err)
	}

	p.apply(&it)
	_, err = tx.ExecContext(ctx,
		`UPDATE items SET name = ?, description = ?, category = ? WHERE id = ?`,
		it.Name, it.Description, it.Category, id)
	if err != nil {
		return Item{}, fmt.Errorf("update item %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return Item{}, fmt.Errorf("commit update: %w", err)
	}
	return it, nil
}

// Delete removes the item with the given ID, if present.
func (s *SQLiteStore) Delete(ctx context.Context, id int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete item %d: %w", id, err)
	}
	return nil
}
