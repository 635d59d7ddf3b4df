package config

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
	"go.uber.org/zap"

	"valuescan/pkg/logger"
)

// TradeRecord 一条交易流水
type TradeRecord struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// SignalRecord 一条信号归档
type SignalRecord struct {
	ID        int64     `json:"id"`
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Category  string    `json:"category"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// Database SQLite 存储：交易流水、信号归档与每日风控账本快照。
// 纯 Go 驱动 (modernc.org/sqlite)，无 CGO 依赖。
type Database struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewDatabase 打开（必要时创建）数据库并建表
func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// modernc 驱动在并发写入下需要串行化
	db.SetMaxOpenConns(1)

	d := &Database{db: db, log: logger.Sugar("database")}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	d.log.Infof("💾 数据库已就绪: %s", path)
	return d, nil
}

func (d *Database) init() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS trades (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol       TEXT NOT NULL,
			action       TEXT NOT NULL,
			quantity     REAL NOT NULL,
			price        REAL NOT NULL,
			realized_pnl REAL NOT NULL DEFAULT 0,
			reason       TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id  TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			category   TEXT NOT NULL,
			score      REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals(symbol)`,
		`CREATE TABLE IF NOT EXISTS ledger_days (
			day           TEXT PRIMARY KEY,
			trades_opened INTEGER NOT NULL DEFAULT 0,
			realized_pnl  REAL NOT NULL DEFAULT 0,
			halted        INTEGER NOT NULL DEFAULT 0,
			halt_reason   TEXT NOT NULL DEFAULT '',
			updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("初始化数据库失败: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库
func (d *Database) Close() error { return d.db.Close() }

// RecordTrade 写入一条交易流水
func (d *Database) RecordTrade(symbol, action string, quantity, price, realizedPnL float64, reason string) error {
	_, err := d.db.Exec(
		`INSERT INTO trades (symbol, action, quantity, price, realized_pnl, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		symbol, action, quantity, price, realizedPnL, reason)
	return err
}

// RecordSignal 归档一条信号（聚合产出的候选记录其评分）
func (d *Database) RecordSignal(signalID, symbol, category string, score float64) error {
	_, err := d.db.Exec(
		`INSERT INTO signals (signal_id, symbol, category, score) VALUES (?, ?, ?, ?)`,
		signalID, symbol, category, score)
	return err
}

// UpsertLedgerDay 持久化当日风控账本快照
func (d *Database) UpsertLedgerDay(day string, tradesOpened int, realizedPnL float64, halted bool, haltReason string) error {
	_, err := d.db.Exec(
		`INSERT INTO ledger_days (day, trades_opened, realized_pnl, halted, halt_reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(day) DO UPDATE SET
		   trades_opened = excluded.trades_opened,
		   realized_pnl  = excluded.realized_pnl,
		   halted        = excluded.halted,
		   halt_reason   = excluded.halt_reason,
		   updated_at    = CURRENT_TIMESTAMP`,
		day, tradesOpened, realizedPnL, boolToInt(halted), haltReason)
	return err
}

// RecentTrades 按时间倒序返回最近的交易流水
func (d *Database) RecentTrades(limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT id, symbol, action, quantity, price, realized_pnl, reason, created_at
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Action, &t.Quantity, &t.Price,
			&t.RealizedPnL, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentSignals 按时间倒序返回最近归档的信号
func (d *Database) RecentSignals(limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT id, signal_id, symbol, category, score, created_at
		 FROM signals ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var s SignalRecord
		if err := rows.Scan(&s.ID, &s.SignalID, &s.Symbol, &s.Category, &s.Score, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
