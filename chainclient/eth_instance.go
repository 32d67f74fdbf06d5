package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// EthInstance talks to one execution node over JSON-RPC
type EthInstance struct {
	log    *logrus.Entry
	uri    string
	hub    ethcommon.Address
	client *ethclient.Client
}

func NewEthInstance(ctx context.Context, log *logrus.Entry, uri string, hub ethcommon.Address) (*EthInstance, error) {
	client, err := ethclient.DialContext(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNodeUnreachable, err)
	}
	return &EthInstance{
		log:    log.WithField("uri", uri),
		uri:    uri,
		hub:    hub,
		client: client,
	}, nil
}

func (e *EthInstance) GetURI() string {
	return e.uri
}

func (e *EthInstance) ChainID(ctx context.Context) (*big.Int, error) {
	return e.client.ChainID(ctx)
}

func (e *EthInstance) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return e.client.SuggestGasPrice(ctx)
}

func (e *EthInstance) BalanceAt(ctx context.Context, account ethcommon.Address) (*big.Int, error) {
	return e.client.BalanceAt(ctx, account, nil)
}

func (e *EthInstance) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	return e.client.PendingNonceAt(ctx, account)
}

func (e *EthInstance) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return e.client.SendTransaction(ctx, tx)
}

// callHub runs a view method of the hub and returns its single output
func (e *EthInstance) callHub(ctx context.Context, method string, args ...any) (any, error) {
	data, err := common.RelayHubABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	res, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.hub, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := common.RelayHubABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("could not decode %s result: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(values))
	}
	return values[0], nil
}

func (e *EthInstance) SenderNonce(ctx context.Context, from ethcommon.Address) (*big.Int, error) {
	v, err := e.callHub(ctx, "getNonce", from)
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (e *EthInstance) PaymasterDeposit(ctx context.Context, paymaster ethcommon.Address) (*big.Int, error) {
	v, err := e.callHub(ctx, "balanceOf", paymaster)
	if err != nil {
		return nil, err
	}
	return v.(*big.Int), nil
}

func (e *EthInstance) IsRelayManagerStaked(ctx context.Context, manager ethcommon.Address) (bool, error) {
	v, err := e.callHub(ctx, "isRelayManagerStaked", manager)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (e *EthInstance) RelayReceipt(ctx context.Context, txHash ethcommon.Hash) (*common.RelayReceipt, error) {
	receipt, err := e.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrReceiptNotFound
	} else if err != nil {
		return nil, err
	}

	res := &common.RelayReceipt{
		TxHash:   txHash,
		GasUsed:  receipt.GasUsed,
		Reverted: receipt.Status == types.ReceiptStatusFailed,
	}
	if receipt.BlockNumber != nil {
		res.BlockNumber = receipt.BlockNumber.Uint64()
	}

	for _, l := range receipt.Logs {
		if l.Address != e.hub {
			continue
		}
		event, err := common.DecodeTransactionRelayedLog(l)
		if err != nil {
			e.log.WithError(err).WithField("txHash", txHash.Hex()).Debug("skipping hub log")
			continue
		}
		res.Event = event
		break
	}
	return res, nil
}
