package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/hub"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
)

var (
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrNonceTooHigh      = errors.New("nonce too high")
	ErrAlreadyKnown      = errors.New("already known")
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	ErrWrongChain        = errors.New("invalid chain id")
)

const (
	txGas                 = 21000
	txDataZeroGas         = 4
	txDataNonZeroGas      = 16
	relayCallExecutionGas = 60000
	simulatedURI          = "simulated://"
)

type SimulatedChainOpts struct {
	Log       *logrus.Entry
	Hub       *hub.RelayHub
	Penalizer *penalizer.Penalizer
	GasPrice  *big.Int
	Coinbase  ethcommon.Address
	// Clock supplies block timestamps. Defaults to time.Now.
	Clock func() time.Time
}

// SimulatedChain is an in-process chain around a RelayHub. Transactions wait
// in a mempool until Mine is called.
type SimulatedChain struct {
	log       *logrus.Entry
	hub       *hub.RelayHub
	penalizer *penalizer.Penalizer
	signer    types.Signer
	chainID   *big.Int
	gasPrice  *big.Int
	coinbase  ethcommon.Address
	clock     func() time.Time

	available uberatomic.Bool

	mu            sync.Mutex
	blockNumber   uint64
	pending       []*types.Transaction
	pendingNonces map[ethcommon.Address]uint64
	known         map[ethcommon.Hash]struct{}
	receipts      map[ethcommon.Hash]*common.RelayReceipt
}

func NewSimulatedChain(opts SimulatedChainOpts) *SimulatedChain {
	domain := opts.Hub.Domain()
	log := opts.Log.WithField("component", "simulatedChain")

	p := opts.Penalizer
	if p == nil {
		p = penalizer.NewPenalizer(log, opts.Hub, nil, hub.DefaultPenaltySchedule)
	}
	gasPrice := common.BigOrZero(opts.GasPrice)
	if gasPrice.Sign() == 0 {
		gasPrice = big.NewInt(1000000000)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	c := &SimulatedChain{
		log:           log,
		hub:           opts.Hub,
		penalizer:     p,
		signer:        types.LatestSignerForChainID(domain.ChainID),
		chainID:       domain.ChainID,
		gasPrice:      gasPrice,
		coinbase:      opts.Coinbase,
		clock:         clock,
		pendingNonces: make(map[ethcommon.Address]uint64),
		known:         make(map[ethcommon.Hash]struct{}),
		receipts:      make(map[ethcommon.Hash]*common.RelayReceipt),
	}
	c.available.Store(true)
	return c
}

func (c *SimulatedChain) Hub() *hub.RelayHub {
	return c.hub
}

// SetAvailable toggles whether the node answers requests
func (c *SimulatedChain) SetAvailable(available bool) {
	c.available.Store(available)
}

func (c *SimulatedChain) checkAvailable() error {
	if !c.available.Load() {
		return ErrNodeUnreachable
	}
	return nil
}

func (c *SimulatedChain) GetURI() string {
	return simulatedURI
}

func (c *SimulatedChain) ChainID(context.Context) (*big.Int, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.chainID), nil
}

func (c *SimulatedChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *SimulatedChain) BalanceAt(_ context.Context, account ethcommon.Address) (*big.Int, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	return c.hub.NativeBalance(account), nil
}

func (c *SimulatedChain) PendingNonceAt(_ context.Context, account ethcommon.Address) (uint64, error) {
	if err := c.checkAvailable(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNonces[account], nil
}

func (c *SimulatedChain) SenderNonce(_ context.Context, from ethcommon.Address) (*big.Int, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(c.hub.GetNonce(from)), nil
}

func (c *SimulatedChain) PaymasterDeposit(_ context.Context, paymaster ethcommon.Address) (*big.Int, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	return c.hub.BalanceOf(paymaster), nil
}

func (c *SimulatedChain) IsRelayManagerStaked(_ context.Context, manager ethcommon.Address) (bool, error) {
	if err := c.checkAvailable(); err != nil {
		return false, err
	}
	return c.hub.IsRelayManagerStaked(manager), nil
}

// SendTransaction adds tx to the mempool
func (c *SimulatedChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if err := c.checkAvailable(); err != nil {
		return err
	}
	if tx.Protected() && tx.ChainId().Cmp(c.chainID) != 0 {
		return ErrWrongChain
	}
	sender, err := types.Sender(c.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.known[tx.Hash()]; ok {
		return ErrAlreadyKnown
	}
	expected := c.pendingNonces[sender]
	if tx.Nonce() < expected {
		return fmt.Errorf("%w: address %s, tx: %d state: %d", ErrNonceTooLow, sender.Hex(), tx.Nonce(), expected)
	}
	if tx.Nonce() > expected {
		return fmt.Errorf("%w: address %s, tx: %d state: %d", ErrNonceTooHigh, sender.Hex(), tx.Nonce(), expected)
	}
	if balance := c.hub.NativeBalance(sender); balance.Cmp(tx.Cost()) < 0 {
		return fmt.Errorf("%w: address %s have %s want %s", ErrInsufficientFunds, sender.Hex(), balance, tx.Cost())
	}

	c.pending = append(c.pending, tx)
	c.pendingNonces[sender] = expected + 1
	c.known[tx.Hash()] = struct{}{}
	return nil
}

func (c *SimulatedChain) RelayReceipt(_ context.Context, txHash ethcommon.Hash) (*common.RelayReceipt, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	copied := *receipt
	return &copied, nil
}

func (c *SimulatedChain) BlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockNumber
}

func (c *SimulatedChain) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Mine includes every pending transaction in a new block, in arrival order
func (c *SimulatedChain) Mine() []*common.RelayReceipt {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blockNumber++
	timestamp := uint64(c.clock().Unix())
	receipts := make([]*common.RelayReceipt, 0, len(c.pending))
	for _, tx := range c.pending {
		receipt := c.execute(tx, timestamp)
		c.receipts[tx.Hash()] = receipt
		receipts = append(receipts, receipt)
	}
	c.pending = nil

	if len(receipts) > 0 {
		c.log.WithFields(logrus.Fields{
			"blockNumber": c.blockNumber,
			"txs":         len(receipts),
		}).Debug("mined block")
	}
	return receipts
}

func (c *SimulatedChain) execute(tx *types.Transaction, timestamp uint64) *common.RelayReceipt {
	sender, _ := types.Sender(c.signer, tx)
	price := effectiveGasPrice(tx)
	receipt := &common.RelayReceipt{TxHash: tx.Hash(), BlockNumber: c.blockNumber}
	gasUsed := intrinsicGas(tx.Data())

	switch {
	case tx.To() != nil && *tx.To() == c.hub.Address():
		gasUsed += relayCallExecutionGas
		call, err := common.UnpackRelayCall(tx.Data())
		if err != nil {
			receipt.Reverted = true
			receipt.RevertReason = err.Error()
			break
		}
		event, err := c.hub.RelayCall(hub.CallContext{
			RelayWorker: sender,
			TxGasLimit:  tx.Gas(),
			TxGasPrice:  price,
			TxHash:      tx.Hash(),
			BlockNumber: c.blockNumber,
			Timestamp:   timestamp,
		}, call.Request, call.Signature, call.ExternalGasLimit)
		if err != nil {
			receipt.Reverted = true
			receipt.RevertReason = hub.RevertReason(err)
			if receipt.RevertReason == "" {
				receipt.RevertReason = err.Error()
			}
			break
		}
		receipt.Event = event

	case tx.To() != nil && tx.Value().Sign() > 0:
		if err := c.hub.Transfer(sender, *tx.To(), tx.Value()); err != nil {
			receipt.Reverted = true
			receipt.RevertReason = err.Error()
		}
	}

	if gasUsed > tx.Gas() {
		gasUsed = tx.Gas()
	}
	receipt.GasUsed = gasUsed

	fee := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), price)
	if err := c.hub.Transfer(sender, c.coinbase, fee); err != nil {
		c.log.WithError(err).WithField("txHash", tx.Hash().Hex()).Error("sender could not pay for gas")
	}
	return receipt
}

// AutoMine mines a block every interval while there are pending transactions
func (c *SimulatedChain) AutoMine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.PendingCount() > 0 {
				c.Mine()
			}
		}
	}
}

// Penalize submits misbehaviour evidence to the chain's penalizer
func (c *SimulatedChain) Penalize(ctx context.Context, rawTx []byte, claimed *common.SignedRelayRequest, reporter ethcommon.Address) (*penalizer.Verdict, error) {
	if err := c.checkAvailable(); err != nil {
		return nil, err
	}
	return c.penalizer.Penalize(ctx, rawTx, claimed, reporter)
}

func effectiveGasPrice(tx *types.Transaction) *big.Int {
	price := new(big.Int).Set(tx.GasTipCap())
	if tx.GasFeeCap().Cmp(price) < 0 {
		price.Set(tx.GasFeeCap())
	}
	return price
}

func intrinsicGas(data []byte) uint64 {
	gas := uint64(txGas)
	for _, b := range data {
		if b == 0 {
			gas += txDataZeroGas
		} else {
			gas += txDataNonZeroGas
		}
	}
	return gas
}
