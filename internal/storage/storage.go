// Package storage 用 sqlite 记录订单生命周期, 供事后审计和状态报告使用。
// 策略状态本身保存在 persistence 的 badger 库中, 这里的数据不参与恢复。
package storage

import (
	"binance-grid-engine/internal/models"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
	"github.com/shopspring/decimal"
)

// Journal 是 execution.Journal 的 sqlite 实现
type Journal struct {
	db *sql.DB
}

// OrderSummary 按状态统计的订单数量
type OrderSummary struct {
	Open     int
	Filled   int
	Canceled int
}

// OpenJournal 打开(或创建)订单日志库。dataSourceName 可以是 ":memory:"。
func OpenJournal(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 内存库每个连接都是独立的数据库
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Journal{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// 价格和数量以十进制字符串保存, 避免浮点误差
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		order_id TEXT PRIMARY KEY,
		client_order_id TEXT,
		mode TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		price TEXT NOT NULL,
		quantity TEXT NOT NULL,
		filled TEXT NOT NULL DEFAULT '0',
		avg_price TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`

	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_orders_symbol_status ON orders (symbol, status);`
	if _, err := db.Exec(createIndexSQL); err != nil {
		return err
	}
	return nil
}

// RecordOrder 写入一笔新订单。同一订单ID重复写入时更新状态。
func (j *Journal) RecordOrder(order models.Order, mode string) error {
	created := order.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := order.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	query := `
	INSERT INTO orders (order_id, client_order_id, mode, symbol, side, type, price, quantity, filled, avg_price, status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(order_id) DO UPDATE SET
		status = excluded.status,
		filled = excluded.filled,
		avg_price = excluded.avg_price,
		updated_at = excluded.updated_at;`

	_, err := j.db.Exec(query,
		order.ID, order.ClientOrderID, mode, order.Symbol, string(order.Side), string(order.Type),
		order.Price.String(), order.Amount.String(), order.Filled.String(), order.AvgPrice.String(),
		string(order.Status), created.UnixMilli(), updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", order.ID, err)
	}
	return nil
}

// UpdateStatus 更新订单状态。filled 为零时保留已记录的成交数量和均价。
func (j *Journal) UpdateStatus(orderID string, status models.OrderStatus, filled, avgPrice decimal.Decimal, at time.Time) error {
	var err error
	if filled.IsPositive() {
		_, err = j.db.Exec(`UPDATE orders SET status = ?, filled = ?, avg_price = ?, updated_at = ? WHERE order_id = ?`,
			string(status), filled.String(), avgPrice.String(), at.UnixMilli(), orderID)
	} else {
		_, err = j.db.Exec(`UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`,
			string(status), at.UnixMilli(), orderID)
	}
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", orderID, err)
	}
	return nil
}

// GetActiveOrders 返回日志中仍处于挂单状态的订单
func (j *Journal) GetActiveOrders(symbol string) ([]models.Order, error) {
	query := `
	SELECT order_id, client_order_id, symbol, side, type, price, quantity, filled, avg_price, status, created_at, updated_at
	FROM orders
	WHERE symbol = ? AND status = ?
	ORDER BY created_at`

	rows, err := j.db.Query(query, symbol, string(models.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var (
			order                   models.Order
			clientID                sql.NullString
			side, typ, status       string
			price, qty, filled, avg string
			createdAt, updatedAt    int64
		)
		if err := rows.Scan(
			&order.ID, &clientID, &order.Symbol, &side, &typ,
			&price, &qty, &filled, &avg, &status, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		order.ClientOrderID = clientID.String
		order.Side = models.Side(side)
		order.Type = models.OrderType(typ)
		order.Status = models.OrderStatus(status)
		order.Price = parseDecimal(price)
		order.Amount = parseDecimal(qty)
		order.Filled = parseDecimal(filled)
		order.AvgPrice = parseDecimal(avg)
		order.CreatedAt = time.UnixMilli(createdAt)
		order.UpdatedAt = time.UnixMilli(updatedAt)
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// Summary 按状态统计某个交易对的订单数
func (j *Journal) Summary(symbol string) (OrderSummary, error) {
	rows, err := j.db.Query(`SELECT status, COUNT(*) FROM orders WHERE symbol = ? GROUP BY status`, symbol)
	if err != nil {
		return OrderSummary{}, fmt.Errorf("failed to summarize orders: %w", err)
	}
	defer rows.Close()

	var summary OrderSummary
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return OrderSummary{}, fmt.Errorf("failed to scan summary row: %w", err)
		}
		switch models.OrderStatus(status) {
		case models.StatusOpen:
			summary.Open = count
		case models.StatusFilled:
			summary.Filled = count
		case models.StatusCanceled:
			summary.Canceled = count
		}
	}
	return summary, rows.Err()
}

// Close 关闭数据库连接
func (j *Journal) Close() error {
	return j.db.Close()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
