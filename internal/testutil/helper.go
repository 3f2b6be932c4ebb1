// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/nerves76/promptreviews-sub034/internal/migration"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB returns an in-memory sqlite database with the full schema.
// The pool is pinned to one connection so every caller sees the same memory database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migration.AutoMigrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// SeedBalance writes a balance row and a matching grant entry so the
// balance invariant holds from the start.
func SeedBalance(t testing.TB, conn *gorm.DB, node *snowflake.Node, accountID string, credits int64) {
	t.Helper()
	now := time.Now().UTC()
	if err := conn.Exec(
		`INSERT INTO credit_balances (account_id, credits_remaining, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		accountID, credits, now, now,
	).Error; err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	if credits == 0 {
		return
	}
	if err := conn.Exec(
		`INSERT INTO credit_ledger_entries (id, account_id, amount, balance_after, credit_type, transaction_type,
			feature_type, idempotency_key, description, created_at)
		 VALUES (?, ?, ?, ?, 'granted', 'grant', '', ?, 'seed', ?)`,
		node.Generate(), accountID, credits, credits, "seed:"+accountID, now,
	).Error; err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
}

// Balance reads the cached balance, failing the test when the row is missing.
func Balance(t testing.TB, conn *gorm.DB, accountID string) int64 {
	t.Helper()
	var balance int64
	if err := conn.Raw(`SELECT credits_remaining FROM credit_balances WHERE account_id = ?`, accountID).Scan(&balance).Error; err != nil {
		t.Fatalf("read balance: %v", err)
	}
	return balance
}

// LedgerSum sums every ledger entry of an account.
func LedgerSum(t testing.TB, conn *gorm.DB, accountID string) int64 {
	t.Helper()
	var sum int64
	if err := conn.Raw(`SELECT COALESCE(SUM(amount), 0) FROM credit_ledger_entries WHERE account_id = ?`, accountID).Scan(&sum).Error; err != nil {
		t.Fatalf("sum ledger: %v", err)
	}
	return sum
}

func CountRows(t testing.TB, conn *gorm.DB, table string) int64 {
	t.Helper()
	var count int64
	if err := conn.Table(table).Count(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
