package storage

import (
	"database/sql"
	"fmt"
	"time"

	"binance-trade-cycle-go/internal/models"

	_ "modernc.org/sqlite" // Import the pure-Go sqlite driver
)

// Order statuses recorded in the journal.
const (
	StatusAcked    = "ACKED"
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
)

// OrderEntry is one row of the orders table.
type OrderEntry struct {
	OrderID   string
	SessionID string
	Market    string
	Side      models.Side
	Kind      string // LIMIT or IOC
	Price     float64
	Quantity  float64
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal is an append-mostly ledger of every order acknowledgment and fill.
// It complements the session document: if the process dies between an order
// ack and the next session write, the journal still shows the order.
type Journal struct {
	db *sql.DB
}

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		market TEXT NOT NULL,
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		price REAL NOT NULL,
		quantity REAL NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	createFillsTableSQL := `
	CREATE TABLE IF NOT EXISTS fills (
		order_id TEXT NOT NULL,
		fill_id TEXT NOT NULL,
		market TEXT NOT NULL,
		side TEXT NOT NULL,
		amount REAL NOT NULL,
		price REAL NOT NULL,
		total REAL NOT NULL,
		filled_at INTEGER NOT NULL,
		PRIMARY KEY (order_id, fill_id)
	);`
	if _, err := db.Exec(createFillsTableSQL); err != nil {
		return err
	}

	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_orders_market ON orders (market, created_at);`)
	return err
}

// RecordOrder inserts an acknowledged order.
func (j *Journal) RecordOrder(sessionID string, req models.OrderRequest, orderID string, at time.Time) error {
	kind := "LIMIT"
	if req.ImmediateOrCancel {
		kind = "IOC"
	}

	query := `
	INSERT INTO orders (order_id, session_id, market, side, kind, price, quantity, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(order_id) DO NOTHING`

	_, err := j.db.Exec(query,
		orderID, sessionID, req.Market, string(req.Side), kind,
		req.Price, req.Quantity, StatusAcked, at.UnixMilli(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", orderID, err)
	}
	return nil
}

// UpdateOrderStatus updates the status of an existing order.
func (j *Journal) UpdateOrderStatus(orderID, status string, at time.Time) error {
	_, err := j.db.Exec(`UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`, status, at.UnixMilli(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
	return nil
}

// RecordFills stores fills, ignoring ones already present.
func (j *Journal) RecordFills(market string, fills []models.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin fills transaction: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	query := `
	INSERT INTO fills (order_id, fill_id, market, side, amount, price, total, filled_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(order_id, fill_id) DO NOTHING`

	for _, f := range fills {
		if _, err := tx.Exec(query, f.OrderID, f.FillID, market, string(f.Side), f.Amount, f.Price, f.Total, f.Timestamp.UnixMilli()); err != nil {
			return fmt.Errorf("failed to insert fill %s/%s: %w", f.OrderID, f.FillID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit fills transaction: %w", err)
	}
	return nil
}

// OrdersForMarket lists journaled orders of a market, oldest first.
func (j *Journal) OrdersForMarket(market string) ([]OrderEntry, error) {
	query := `
	SELECT order_id, session_id, market, side, kind, price, quantity, status, created_at, updated_at
	FROM orders
	WHERE market = ?
	ORDER BY created_at, order_id`

	rows, err := j.db.Query(query, market)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var entries []OrderEntry
	for rows.Next() {
		var e OrderEntry
		var side string
		var created, updated int64
		if err := rows.Scan(&e.OrderID, &e.SessionID, &e.Market, &side, &e.Kind, &e.Price, &e.Quantity, &e.Status, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		e.Side = models.Side(side)
		e.CreatedAt = time.UnixMilli(created)
		e.UpdatedAt = time.UnixMilli(updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FilledAmount sums journaled fills of one order.
func (j *Journal) FilledAmount(orderID string) (float64, error) {
	var total sql.NullFloat64
	err := j.db.QueryRow(`SELECT SUM(amount) FROM fills WHERE order_id = ?`, orderID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum fills of %s: %w", orderID, err)
	}
	return total.Float64, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
