package database

import (
	"database/sql"
	"encoding/json"
	"math/big"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GetRelayedTransactionsFilters structs
type GetRelayedTransactionsFilters struct {
	RelayWorker string
	Sender      string
	Cursor      int64
	Limit       uint64
}

// GetPenalizationsFilters structs
type GetPenalizationsFilters struct {
	RelayManager string
	Outcome      string
	Limit        uint64
}

// RelayedTransactionEntry structs
type RelayedTransactionEntry struct {
	ID         int64     `db:"id"`
	InsertedAt time.Time `db:"inserted_at"`

	TxHash       string `db:"tx_hash"`
	RequestHash  string `db:"request_hash"`
	RelayWorker  string `db:"relay_worker"`
	RelayManager string `db:"relay_manager"`
	WorkerNonce  uint64 `db:"worker_nonce"`

	Sender    string `db:"sender"`
	Target    string `db:"target"`
	Paymaster string `db:"paymaster"`
	FeeMode   string `db:"fee_mode"`

	// Signed fee fields
	BaseRelayFee     string `db:"base_relay_fee"`
	PctRelayFee      string `db:"pct_relay_fee"`
	GasPrice         string `db:"gas_price"`
	ExternalGasLimit string `db:"external_gas_limit"`

	TxGasLimit uint64 `db:"tx_gas_limit"`
	TxGasPrice string `db:"tx_gas_price"`

	SignedRequest string `db:"signed_request"`
	RawTx         string `db:"raw_tx"`
}

// SettlementEntry structs
type SettlementEntry struct {
	ID         int64     `db:"id"`
	InsertedAt time.Time `db:"inserted_at"`

	RelayedTransactionID sql.NullInt64 `db:"relayed_transaction_id"`

	TxHash       string `db:"tx_hash"`
	BlockNumber  uint64 `db:"block_number"`
	GasUsed      uint64 `db:"gas_used"`
	Reverted     bool   `db:"reverted"`
	RevertReason string `db:"revert_reason"`

	// Empty when reverted
	RelayManager string `db:"relay_manager"`
	RelayWorker  string `db:"relay_worker"`
	Paymaster    string `db:"paymaster"`
	Status       string `db:"status"`
	Charge       string `db:"charge"`
}

// PenalizationEntry structs
type PenalizationEntry struct {
	ID         int64     `db:"id"`
	InsertedAt time.Time `db:"inserted_at"`

	Fingerprint  string `db:"fingerprint"`
	Outcome      string `db:"outcome"`
	Reason       string `db:"reason"`
	RelayWorker  string `db:"relay_worker"`
	RelayManager string `db:"relay_manager"`
	Reporter     string `db:"reporter"`
	Slashed      string `db:"slashed"`
	Bounty       string `db:"bounty"`
}

// RelayedTransactionToEntry flattens a relayed transaction record into its table row
func RelayedTransactionToEntry(tx *common.RelayedTransaction) (*RelayedTransactionEntry, error) {
	signed, err := json.Marshal(tx.Signed)
	if err != nil {
		return nil, err
	}

	req := tx.Signed.Request
	fees := req.RelayFees.Normalized()
	return &RelayedTransactionEntry{
		TxHash:           tx.TxHash.String(),
		RequestHash:      tx.RequestHash.String(),
		RelayWorker:      tx.RelayWorker.String(),
		RelayManager:     tx.RelayManager.String(),
		WorkerNonce:      tx.WorkerNonce,
		Sender:           req.From.String(),
		Target:           req.To.String(),
		Paymaster:        req.Paymaster.String(),
		FeeMode:          tx.FeeMode.String(),
		BaseRelayFee:     fees.BaseRelayFee.String(),
		PctRelayFee:      fees.PctRelayFee.String(),
		GasPrice:         fees.GasPrice.String(),
		ExternalGasLimit: fees.ExternalGasLimit.String(),
		TxGasLimit:       tx.TxGasLimit,
		TxGasPrice:       common.BigOrZero(tx.TxGasPrice).String(),
		SignedRequest:    string(signed),
		RawTx:            hexutil.Encode(tx.RawTx),
	}, nil
}

// ToRelayedTransaction restores the record stored in the row
func (e *RelayedTransactionEntry) ToRelayedTransaction() (*common.RelayedTransaction, error) {
	tx := &common.RelayedTransaction{
		TxHash:       ethcommon.HexToHash(e.TxHash),
		RequestHash:  ethcommon.HexToHash(e.RequestHash),
		RelayWorker:  ethcommon.HexToAddress(e.RelayWorker),
		RelayManager: ethcommon.HexToAddress(e.RelayManager),
		WorkerNonce:  e.WorkerNonce,
		TxGasLimit:   e.TxGasLimit,
		SubmittedAt:  e.InsertedAt.UnixMilli(),
	}

	mode, err := common.ParseFeeMode(e.FeeMode)
	if err != nil {
		return nil, err
	}
	tx.FeeMode = mode

	if tx.TxGasPrice, err = common.ParseDecimal(e.TxGasPrice); err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(e.SignedRequest), &tx.Signed); err != nil {
		return nil, err
	}
	if tx.RawTx, err = hexutil.Decode(e.RawTx); err != nil {
		return nil, err
	}
	return tx, nil
}

// ReceiptToSettlementEntry flattens a mined relay receipt into its table row
func ReceiptToSettlementEntry(receipt *common.RelayReceipt) *SettlementEntry {
	entry := &SettlementEntry{
		TxHash:       receipt.TxHash.String(),
		BlockNumber:  receipt.BlockNumber,
		GasUsed:      receipt.GasUsed,
		Reverted:     receipt.Reverted,
		RevertReason: receipt.RevertReason,
		Charge:       "0",
	}
	if ev := receipt.Event; ev != nil {
		entry.RelayManager = ev.RelayManager.String()
		entry.RelayWorker = ev.RelayWorker.String()
		entry.Paymaster = ev.Paymaster.String()
		entry.Status = ev.Status.String()
		entry.Charge = common.BigOrZero(ev.Charge).String()
	}
	return entry
}

// ToReceipt restores the settlement. The event carries only the fields
// kept in the table.
func (e *SettlementEntry) ToReceipt() (*common.RelayReceipt, error) {
	receipt := &common.RelayReceipt{
		TxHash:       ethcommon.HexToHash(e.TxHash),
		BlockNumber:  e.BlockNumber,
		GasUsed:      e.GasUsed,
		Reverted:     e.Reverted,
		RevertReason: e.RevertReason,
	}
	if e.Reverted {
		return receipt, nil
	}

	charge, err := common.ParseDecimal(e.Charge)
	if err != nil {
		return nil, err
	}
	receipt.Event = &common.TransactionRelayed{
		RelayManager: ethcommon.HexToAddress(e.RelayManager),
		RelayWorker:  ethcommon.HexToAddress(e.RelayWorker),
		Paymaster:    ethcommon.HexToAddress(e.Paymaster),
		Status:       parseRelayCallStatus(e.Status),
		Charge:       charge,
	}
	return receipt, nil
}

func parseRelayCallStatus(s string) common.RelayCallStatus {
	for _, status := range []common.RelayCallStatus{common.RelayCallOK, common.RelayCallFailed, common.RelayCallPostFailed} {
		if status.String() == s {
			return status
		}
	}
	return common.RelayCallFailed
}

// VerdictToEntry flattens a penalizer verdict into its table row
func VerdictToEntry(v *penalizer.Verdict) *PenalizationEntry {
	return &PenalizationEntry{
		Fingerprint:  v.Fingerprint.String(),
		Outcome:      v.Outcome.String(),
		Reason:       v.Reason,
		RelayWorker:  v.RelayWorker.String(),
		RelayManager: v.RelayManager.String(),
		Reporter:     v.Reporter.String(),
		Slashed:      bigString(v.Slashed),
		Bounty:       bigString(v.Bounty),
	}
}

func bigString(v *big.Int) string {
	return common.BigOrZero(v).String()
}

// NewNullInt64 func
func NewNullInt64(i int64) sql.NullInt64 {
	return sql.NullInt64{
		Int64: i,
		Valid: true,
	}
}

// NewNullString func
func NewNullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  true,
	}
}
