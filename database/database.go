// Package database exposes the postgres database
package database

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const databaseRequestTimeout = time.Second * 12

// IDatabaseService db
type IDatabaseService interface {
	SaveRelayedTransaction(ctx context.Context, entry *RelayedTransactionEntry) (id int64, err error)
	GetRelayedTransaction(ctx context.Context, txHash string) (*RelayedTransactionEntry, error)
	GetRelayedTransactions(ctx context.Context, filters GetRelayedTransactionsFilters) ([]*RelayedTransactionEntry, error)

	SaveSettlement(ctx context.Context, entry *SettlementEntry) error
	GetSettlement(ctx context.Context, txHash string) (*SettlementEntry, error)
	GetNumSettlements(ctx context.Context) (uint64, error)

	SavePenalization(ctx context.Context, entry *PenalizationEntry) error
	GetPenalizations(ctx context.Context, filters GetPenalizationsFilters) ([]*PenalizationEntry, error)
}

// DatabaseService db
type DatabaseService struct {
	DB *sqlx.DB
}

// NewDatabaseService db
func NewDatabaseService(dsn string) (*DatabaseService, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, err
	}

	db.DB.SetMaxOpenConns(100)
	db.DB.SetMaxIdleConns(10)
	db.DB.SetConnMaxIdleTime(120 * time.Second)

	if os.Getenv("PRINT_SCHEMA") == "1" {
		fmt.Println(schema)
	}

	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	return &DatabaseService{
		DB: db,
	}, nil
}

// Close db func
func (s *DatabaseService) Close() error {
	return s.DB.Close()
}

// SaveRelayedTransaction inserts the record, or returns the id of the
// existing row for the same tx hash
func (s *DatabaseService) SaveRelayedTransaction(ctx context.Context, entry *RelayedTransactionEntry) (id int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, databaseRequestTimeout)
	defer cancel()

	query := `INSERT INTO ` + TableRelayedTransaction + `
	(tx_hash, request_hash, relay_worker, relay_manager, worker_nonce, sender, target, paymaster, fee_mode, base_relay_fee, pct_relay_fee, gas_price, external_gas_limit, tx_gas_limit, tx_gas_price, signed_request, raw_tx) VALUES
	(:tx_hash, :request_hash, :relay_worker, :relay_manager, :worker_nonce, :sender, :target, :paymaster, :fee_mode, :base_relay_fee, :pct_relay_fee, :gas_price, :external_gas_limit, :tx_gas_limit, :tx_gas_price, :signed_request, :raw_tx)
	ON CONFLICT (tx_hash) DO UPDATE SET tx_hash=:tx_hash
	RETURNING id`
	nstmt, err := s.DB.PrepareNamedContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer nstmt.Close()

	err = nstmt.QueryRowContext(ctx, entry).Scan(&entry.ID)
	return entry.ID, err
}

// GetRelayedTransaction db func
func (s *DatabaseService) GetRelayedTransaction(ctx context.Context, txHash string) (*RelayedTransactionEntry, error) {
	query := `SELECT id, inserted_at, tx_hash, request_hash, relay_worker, relay_manager, worker_nonce, sender, target, paymaster, fee_mode, base_relay_fee, pct_relay_fee, gas_price, external_gas_limit, tx_gas_limit, tx_gas_price, signed_request, raw_tx
	FROM ` + TableRelayedTransaction + `
	WHERE tx_hash=$1`
	entry := &RelayedTransactionEntry{}
	err := s.DB.GetContext(ctx, entry, query, txHash)
	return entry, err
}

// GetRelayedTransactions returns the newest records first. Cursor is an id
// upper bound for paging.
func (s *DatabaseService) GetRelayedTransactions(ctx context.Context, filters GetRelayedTransactionsFilters) ([]*RelayedTransactionEntry, error) {
	arg := map[string]interface{}{
		"limit":        filters.Limit,
		"relay_worker": filters.RelayWorker,
		"sender":       filters.Sender,
		"cursor":       filters.Cursor,
	}

	entries := []*RelayedTransactionEntry{}
	fields := "id, inserted_at, tx_hash, request_hash, relay_worker, relay_manager, worker_nonce, sender, target, paymaster, fee_mode, base_relay_fee, pct_relay_fee, gas_price, external_gas_limit, tx_gas_limit, tx_gas_price, signed_request, raw_tx"

	whereConds := []string{}
	if filters.RelayWorker != "" {
		whereConds = append(whereConds, "relay_worker = :relay_worker")
	}
	if filters.Sender != "" {
		whereConds = append(whereConds, "sender = :sender")
	}
	if filters.Cursor > 0 {
		whereConds = append(whereConds, "id <= :cursor")
	}

	where := ""
	if len(whereConds) > 0 {
		where = "WHERE " + strings.Join(whereConds, " AND ")
	}

	nstmt, err := s.DB.PrepareNamedContext(ctx, fmt.Sprintf("SELECT %s FROM %s %s ORDER BY id DESC LIMIT :limit", fields, TableRelayedTransaction, where))
	if err != nil {
		return nil, err
	}
	defer nstmt.Close()

	err = nstmt.SelectContext(ctx, &entries, arg)
	return entries, err
}

// SaveSettlement links the settlement to its relayed transaction when the
// relay knows it
func (s *DatabaseService) SaveSettlement(ctx context.Context, entry *SettlementEntry) error {
	ctx, cancel := context.WithTimeout(ctx, databaseRequestTimeout)
	defer cancel()

	if !entry.RelayedTransactionID.Valid {
		relayed, err := s.GetRelayedTransaction(ctx, entry.TxHash)
		if err == nil {
			entry.RelayedTransactionID = NewNullInt64(relayed.ID)
		}
	}

	query := `INSERT INTO ` + TableSettlement + `
		(relayed_transaction_id, tx_hash, block_number, gas_used, reverted, revert_reason, relay_manager, relay_worker, paymaster, status, charge) VALUES
		(:relayed_transaction_id, :tx_hash, :block_number, :gas_used, :reverted, :revert_reason, :relay_manager, :relay_worker, :paymaster, :status, :charge)
		ON CONFLICT DO NOTHING`
	_, err := s.DB.NamedExecContext(ctx, query, entry)
	return err
}

// GetSettlement db func
func (s *DatabaseService) GetSettlement(ctx context.Context, txHash string) (*SettlementEntry, error) {
	query := `SELECT id, inserted_at, relayed_transaction_id, tx_hash, block_number, gas_used, reverted, revert_reason, relay_manager, relay_worker, paymaster, status, charge
	FROM ` + TableSettlement + `
	WHERE tx_hash=$1`
	entry := &SettlementEntry{}
	err := s.DB.GetContext(ctx, entry, query, txHash)
	return entry, err
}

// GetNumSettlements db func
func (s *DatabaseService) GetNumSettlements(ctx context.Context) (uint64, error) {
	var count uint64
	err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+TableSettlement).Scan(&count)
	return count, err
}

// SavePenalization db func
func (s *DatabaseService) SavePenalization(ctx context.Context, entry *PenalizationEntry) error {
	ctx, cancel := context.WithTimeout(ctx, databaseRequestTimeout)
	defer cancel()

	query := `INSERT INTO ` + TablePenalization + `
		(fingerprint, outcome, reason, relay_worker, relay_manager, reporter, slashed, bounty) VALUES
		(:fingerprint, :outcome, :reason, :relay_worker, :relay_manager, :reporter, :slashed, :bounty)
		ON CONFLICT DO NOTHING`
	_, err := s.DB.NamedExecContext(ctx, query, entry)
	return err
}

// GetPenalizations db func
func (s *DatabaseService) GetPenalizations(ctx context.Context, filters GetPenalizationsFilters) ([]*PenalizationEntry, error) {
	arg := map[string]interface{}{
		"limit":         filters.Limit,
		"relay_manager": filters.RelayManager,
		"outcome":       filters.Outcome,
	}

	entries := []*PenalizationEntry{}
	fields := "id, inserted_at, fingerprint, outcome, reason, relay_worker, relay_manager, reporter, slashed, bounty"

	whereConds := []string{}
	if filters.RelayManager != "" {
		whereConds = append(whereConds, "relay_manager = :relay_manager")
	}
	if filters.Outcome != "" {
		whereConds = append(whereConds, "outcome = :outcome")
	}

	where := ""
	if len(whereConds) > 0 {
		where = "WHERE " + strings.Join(whereConds, " AND ")
	}
	nstmt, err := s.DB.PrepareNamedContext(ctx, fmt.Sprintf("SELECT %s FROM %s %s ORDER BY id DESC LIMIT :limit", fields, TablePenalization, where))
	if err != nil {
		return nil, err
	}
	defer nstmt.Close()

	err = nstmt.SelectContext(ctx, &entries, arg)
	return entries, err
}
