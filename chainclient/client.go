// Package chainclient is the relay's boundary to the chain: account state,
// hub views, transaction broadcast and settlement receipts
package chainclient

import (
	"context"
	"errors"
	"math/big"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrReceiptNotFound  = errors.New("transaction receipt not found")
	ErrChainUnavailable = errors.New("chain unavailable")
	ErrNodeUnreachable  = errors.New("chain node unreachable")
)

// IChainClient is implemented by a single node connection, by the in-process
// simulated chain and by MultiChainClient
type IChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account ethcommon.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)

	// SenderNonce is the hub's relay request nonce for from
	SenderNonce(ctx context.Context, from ethcommon.Address) (*big.Int, error)
	PaymasterDeposit(ctx context.Context, paymaster ethcommon.Address) (*big.Int, error)
	IsRelayManagerStaked(ctx context.Context, manager ethcommon.Address) (bool, error)

	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// RelayReceipt returns ErrReceiptNotFound until the transaction is mined
	RelayReceipt(ctx context.Context, txHash ethcommon.Hash) (*common.RelayReceipt, error)

	GetURI() string
}

// IsTransient reports whether err is an infrastructure failure that a caller
// may retry, as opposed to a rejection by the node
func IsTransient(err error) bool {
	return errors.Is(err, ErrChainUnavailable) ||
		errors.Is(err, ErrNodeUnreachable) ||
		errors.Is(err, context.DeadlineExceeded)
}
