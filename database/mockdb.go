package database

import (
	"context"
	"database/sql"

	"github.com/stretchr/testify/mock"
)

// MockDB struct
type MockDB struct {
	mock.Mock
}

// SaveRelayedTransaction func
func (db *MockDB) SaveRelayedTransaction(ctx context.Context, entry *RelayedTransactionEntry) (id int64, err error) {
	args := db.Called(ctx, entry)
	return args.Get(0).(int64), args.Error(1)
}

// GetRelayedTransaction func
func (db *MockDB) GetRelayedTransaction(ctx context.Context, txHash string) (*RelayedTransactionEntry, error) {
	args := db.Called(ctx, txHash)
	entry, _ := args.Get(0).(*RelayedTransactionEntry)
	return entry, args.Error(1)
}

// GetRelayedTransactions func
func (db *MockDB) GetRelayedTransactions(ctx context.Context, filters GetRelayedTransactionsFilters) ([]*RelayedTransactionEntry, error) {
	args := db.Called(ctx, filters)
	return args.Get(0).([]*RelayedTransactionEntry), args.Error(1)
}

// SaveSettlement func
func (db *MockDB) SaveSettlement(ctx context.Context, entry *SettlementEntry) error {
	args := db.Called(ctx, entry)
	return args.Error(0)
}

// GetSettlement func
func (db *MockDB) GetSettlement(ctx context.Context, txHash string) (*SettlementEntry, error) {
	args := db.Called(ctx, txHash)
	entry, _ := args.Get(0).(*SettlementEntry)
	return entry, args.Error(1)
}

// GetNumSettlements func
func (db *MockDB) GetNumSettlements(ctx context.Context) (uint64, error) {
	return 0, nil
}

// SavePenalization func
func (db *MockDB) SavePenalization(ctx context.Context, entry *PenalizationEntry) error {
	args := db.Called(ctx, entry)
	return args.Error(0)
}

// GetPenalizations func
func (db *MockDB) GetPenalizations(ctx context.Context, filters GetPenalizationsFilters) ([]*PenalizationEntry, error) {
	args := db.Called(ctx, filters)
	return args.Get(0).([]*PenalizationEntry), args.Error(1)
}

// NoopDB accepts every write and finds nothing. Used when no DSN is configured.
type NoopDB struct{}

func (NoopDB) SaveRelayedTransaction(context.Context, *RelayedTransactionEntry) (int64, error) {
	return 0, nil
}

func (NoopDB) GetRelayedTransaction(context.Context, string) (*RelayedTransactionEntry, error) {
	return nil, sql.ErrNoRows
}

func (NoopDB) GetRelayedTransactions(context.Context, GetRelayedTransactionsFilters) ([]*RelayedTransactionEntry, error) {
	return nil, nil
}

func (NoopDB) SaveSettlement(context.Context, *SettlementEntry) error { return nil }

func (NoopDB) GetSettlement(context.Context, string) (*SettlementEntry, error) {
	return nil, sql.ErrNoRows
}

func (NoopDB) GetNumSettlements(context.Context) (uint64, error) { return 0, nil }

func (NoopDB) SavePenalization(context.Context, *PenalizationEntry) error { return nil }

func (NoopDB) GetPenalizations(context.Context, GetPenalizationsFilters) ([]*PenalizationEntry, error) {
	return nil, nil
}
