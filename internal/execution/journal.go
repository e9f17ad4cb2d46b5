package execution

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"trading-riskengine/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// OrderRecord is one broker placement as journaled.
type OrderRecord struct {
	ClientOrderID string            `json:"client_order_id"`
	BrokerOrderID string            `json:"broker_order_id"`
	UserID        string            `json:"user_id"`
	Symbol        string            `json:"symbol"`
	Side          model.Side        `json:"side"`
	OrderType     model.OrderType   `json:"order_type"`
	Quantity      int64             `json:"quantity"`
	Price         string            `json:"price"`
	Status        model.OrderStatus `json:"status"`
	Reason        string            `json:"reason"`
	PlacedAt      time.Time         `json:"placed_at"`
}

// OrderRecorder receives every placement outcome.
type OrderRecorder interface {
	RecordOrder(ctx context.Context, rec OrderRecord) error
}

// Journal persists order placements to SQLite for audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS orders (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id  TEXT NOT NULL,
		broker_order_id  TEXT,
		user_id          TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		side             TEXT NOT NULL,
		order_type       TEXT NOT NULL,
		qty              INTEGER NOT NULL,
		price            TEXT NOT NULL,
		status           TEXT NOT NULL,
		reason           TEXT,
		placed_at        DATETIME NOT NULL,
		created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
	CREATE INDEX IF NOT EXISTS idx_orders_client ON orders(client_order_id);
	CREATE INDEX IF NOT EXISTS idx_orders_placed_at ON orders(placed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[journal] opened order journal at %s", dbPath)
	return &Journal{db: db}, nil
}

// RecordOrder persists a placement.
func (j *Journal) RecordOrder(ctx context.Context, rec OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO orders (client_order_id, broker_order_id, user_id, symbol, side, order_type, qty, price, status, reason, placed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClientOrderID,
		rec.BrokerOrderID,
		rec.UserID,
		rec.Symbol,
		string(rec.Side),
		string(rec.OrderType),
		rec.Quantity,
		rec.Price,
		string(rec.Status),
		rec.Reason,
		rec.PlacedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns the last N orders for a user, newest first. An empty
// userID returns every user's orders.
func (j *Journal) Recent(ctx context.Context, userID string, limit int) ([]OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT client_order_id, COALESCE(broker_order_id, ''), user_id, symbol, side, order_type, qty, price, status, COALESCE(reason, ''), placed_at
		 FROM orders WHERE (? = '' OR user_id = ?) ORDER BY id DESC LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var (
			r        OrderRecord
			side     string
			typ      string
			status   string
			placedAt string
		)
		if err := rows.Scan(&r.ClientOrderID, &r.BrokerOrderID, &r.UserID, &r.Symbol, &side, &typ,
			&r.Quantity, &r.Price, &status, &r.Reason, &placedAt); err != nil {
			continue
		}
		r.Side, r.OrderType, r.Status = model.Side(side), model.OrderType(typ), model.OrderStatus(status)
		r.PlacedAt, _ = time.Parse(time.RFC3339Nano, placedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the journal database.
func (j *Journal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
