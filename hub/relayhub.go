// Package hub is an in-process RelayHub: it re-validates relayed requests,
// calls paymaster hooks, executes the inner call and settles the charge
// atomically against its ledger.
package hub

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Revert reasons
const (
	ReasonUnknownWorker       = "unknown relay worker"
	ReasonNotStaked           = "relay manager not staked"
	ReasonExpired             = "request expired"
	ReasonExtGasMismatch      = "externalGasLimit mismatch"
	ReasonInsufficientGas     = "insufficient gas limit"
	ReasonGasPriceTooLow      = "gas price too low"
	ReasonInvalidSignature    = "invalid signature"
	ReasonNonceMismatch       = "nonce mismatch"
	ReasonInsufficientDeposit = "insufficient paymaster deposit"
	ReasonPaymasterRejected   = "paymaster rejected"
)

const defaultGasOverhead = 30000

var ErrInvalidHubConfig = errors.New("invalid hub config")

// RevertError is returned when a relay call reverts. Nothing in the ledger
// changed.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

func revert(format string, args ...any) *RevertError {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

// RevertReason extracts the reason of a *RevertError, or "" for other errors
func RevertReason(err error) string {
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev.Reason
	}
	return ""
}

type Config struct {
	ChainID             *big.Int
	Address             ethcommon.Address
	FeeMode             common.FeeMode
	MinimumStake        *big.Int
	MinimumUnstakeDelay uint64
	// GasOverhead is added to the inner call gas in percentage mode
	GasOverhead uint64
}

// CallContext describes the outer transaction that carries a relay call
type CallContext struct {
	RelayWorker ethcommon.Address
	TxGasLimit  uint64
	TxGasPrice  *big.Int
	TxHash      ethcommon.Hash
	BlockNumber uint64
	Timestamp   uint64
}

type RelayHub struct {
	log *logrus.Entry
	cfg Config

	mu         sync.Mutex
	ledger     *Ledger
	paymasters map[ethcommon.Address]Paymaster
	executor   CallExecutor
}

func NewRelayHub(log *logrus.Entry, cfg Config) (*RelayHub, error) {
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", ErrInvalidHubConfig)
	}
	if cfg.FeeMode != common.FeeModeFlatBid && cfg.FeeMode != common.FeeModePercentage {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHubConfig, common.ErrInvalidFeeMode)
	}
	if cfg.MinimumStake == nil {
		cfg.MinimumStake = new(big.Int)
	}
	if cfg.GasOverhead == 0 {
		cfg.GasOverhead = defaultGasOverhead
	}

	return &RelayHub{
		log:        log.WithField("component", "relayHub"),
		cfg:        cfg,
		ledger:     NewLedger(),
		paymasters: make(map[ethcommon.Address]Paymaster),
		executor:   IntrinsicCallExecutor,
	}, nil
}

func (h *RelayHub) Address() ethcommon.Address { return h.cfg.Address }
func (h *RelayHub) FeeMode() common.FeeMode    { return h.cfg.FeeMode }

func (h *RelayHub) Domain() common.Domain {
	return common.Domain{ChainID: new(big.Int).Set(h.cfg.ChainID), RelayHub: h.cfg.Address}
}

// RegisterPaymaster attaches hooks to a paymaster address. Unregistered
// paymasters accept every call.
func (h *RelayHub) RegisterPaymaster(addr ethcommon.Address, p Paymaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paymasters[addr] = p
}

func (h *RelayHub) SetCallExecutor(e CallExecutor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.executor = e
}

// Fund credits native balance out of thin air. Genesis allocation only.
func (h *RelayHub) Fund(addr ethcommon.Address, amount *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	return h.ledger.AddBalance(addr, v)
}

func (h *RelayHub) NativeBalance(addr ethcommon.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.BalanceOf(addr)
}

// Transfer moves native balance, e.g. to pay for outer transaction gas
func (h *RelayHub) Transfer(from, to ethcommon.Address, amount *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	snap := h.ledger.Snapshot()
	if err := h.ledger.SubBalance(from, v); err != nil {
		_ = h.ledger.RevertToSnapshot(snap)
		return err
	}
	if err := h.ledger.AddBalance(to, v); err != nil {
		_ = h.ledger.RevertToSnapshot(snap)
		return err
	}
	h.ledger.DiscardSnapshot(snap)
	return nil
}

// DepositFor moves native balance of from into the hub balance of target
func (h *RelayHub) DepositFor(from, target ethcommon.Address, amount *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	if err := h.ledger.SubBalance(from, v); err != nil {
		return err
	}
	return h.ledger.AddHubBalance(target, v)
}

// WithdrawDeposit moves hub balance of owner (a paymaster deposit or relay
// earnings) to dest's native balance
func (h *RelayHub) WithdrawDeposit(owner, dest ethcommon.Address, amount *big.Int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, err := toU256(amount)
	if err != nil {
		return err
	}
	if err := h.ledger.SubHubBalance(owner, v); err != nil {
		return err
	}
	return h.ledger.AddBalance(dest, v)
}

// BalanceOf is the hub balance of target
func (h *RelayHub) BalanceOf(target ethcommon.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.HubBalanceOf(target)
}

func (h *RelayHub) GetNonce(from ethcommon.Address) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.Nonce(from)
}

func (h *RelayHub) TotalSupply() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.TotalSupply()
}

func (h *RelayHub) Burned() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ledger.Burned()
}

func (h *RelayHub) paymaster(addr ethcommon.Address) Paymaster {
	if p, ok := h.paymasters[addr]; ok {
		return p
	}
	return acceptAllPaymaster{}
}

// RelayCall settles one relay request carried by an outer transaction. It
// returns the emitted event, or a *RevertError and leaves the ledger
// untouched.
func (h *RelayHub) RelayCall(call CallContext, req *common.RelayRequest, signature []byte, externalGasLimit *big.Int) (*common.TransactionRelayed, error) {
	if req == nil {
		return nil, common.ErrMissingRequest
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	manager, ok := h.ledger.state.workers[call.RelayWorker]
	if !ok {
		return nil, revert(ReasonUnknownWorker)
	}
	if !h.isStaked(manager) {
		return nil, revert(ReasonNotStaked)
	}
	if req.ValidUntil != 0 && call.Timestamp > req.ValidUntil {
		return nil, revert(ReasonExpired)
	}

	mode := h.cfg.FeeMode
	fees := req.RelayFees.Normalized()
	declared := common.BigOrZero(externalGasLimit)

	if rej := feepolicy.ValidateShape(mode, fees); rej != nil {
		return nil, revert("%s", rej.Reason)
	}
	switch mode {
	case common.FeeModeFlatBid:
		if declared.Sign() != 0 {
			return nil, revert("%s forbidden in bid mode", feepolicy.FieldExternalGasLimit)
		}
	case common.FeeModePercentage:
		if declared.Cmp(fees.ExternalGasLimit) != 0 {
			return nil, revert(ReasonExtGasMismatch)
		}
		if new(big.Int).SetUint64(call.TxGasLimit).Cmp(fees.ExternalGasLimit) < 0 {
			return nil, revert(ReasonInsufficientGas)
		}
		if common.BigOrZero(call.TxGasPrice).Cmp(fees.GasPrice) < 0 {
			return nil, revert(ReasonGasPriceTooLow)
		}
	}

	signed := common.SignedRelayRequest{Request: *req, Signature: signature}
	if err := signed.VerifySignature(h.Domain()); err != nil {
		return nil, revert(ReasonInvalidSignature)
	}
	nonce := common.BigOrZero(req.Nonce)
	if !nonce.IsUint64() || nonce.Uint64() != h.ledger.Nonce(req.From) {
		return nil, revert(ReasonNonceMismatch)
	}

	deposit := h.ledger.HubBalanceOf(req.Paymaster)
	if feepolicy.MaxPossibleCharge(mode, fees).Cmp(deposit) > 0 {
		return nil, revert(ReasonInsufficientDeposit)
	}

	snap := h.ledger.Snapshot()
	event, err := h.settle(call, manager, req, mode, fees)
	if err != nil {
		_ = h.ledger.RevertToSnapshot(snap)
		h.log.WithFields(logrus.Fields{
			"txHash": call.TxHash.Hex(),
			"from":   req.From.Hex(),
			"reason": RevertReason(err),
		}).Info("relay call reverted")
		return nil, err
	}
	h.ledger.DiscardSnapshot(snap)

	h.log.WithFields(logrus.Fields{
		"txHash":    call.TxHash.Hex(),
		"from":      req.From.Hex(),
		"paymaster": req.Paymaster.Hex(),
		"status":    event.Status.String(),
		"charge":    event.Charge.String(),
	}).Debug("transaction relayed")
	return event, nil
}

func (h *RelayHub) settle(call CallContext, manager ethcommon.Address, req *common.RelayRequest, mode common.FeeMode, fees common.RelayFees) (*common.TransactionRelayed, error) {
	h.ledger.IncrementNonce(req.From)

	pm := h.paymaster(req.Paymaster)
	pmContext, err := pm.PreRelayedCall(req, feepolicy.MaxPossibleGas(mode, fees))
	if err != nil {
		return nil, revert("%s: %v", ReasonPaymasterRejected, err)
	}

	innerLimit := call.TxGasLimit
	if mode == common.FeeModePercentage {
		innerLimit = fees.ExternalGasLimit.Uint64()
	}
	if innerLimit > h.cfg.GasOverhead {
		innerLimit -= h.cfg.GasOverhead
	} else {
		innerLimit = 0
	}
	gasUsed, success := h.executor.Execute(req, innerLimit)

	gasUseWithoutPost := new(big.Int)
	if mode == common.FeeModePercentage {
		gasUseWithoutPost.SetUint64(gasUsed + h.cfg.GasOverhead)
		if gasUseWithoutPost.Cmp(fees.ExternalGasLimit) > 0 {
			gasUseWithoutPost.Set(fees.ExternalGasLimit)
		}
	}

	status := common.RelayCallOK
	if !success {
		status = common.RelayCallFailed
	}
	if err := pm.PostRelayedCall(pmContext, success, gasUseWithoutPost); err != nil {
		status = common.RelayCallPostFailed
	}

	charge := feepolicy.Charge(mode, fees, gasUseWithoutPost)
	amount, err := toU256(charge)
	if err != nil {
		return nil, revert(ReasonInsufficientDeposit)
	}
	if err := h.ledger.SubHubBalance(req.Paymaster, amount); err != nil {
		return nil, revert(ReasonInsufficientDeposit)
	}
	if err := h.ledger.AddHubBalance(manager, amount); err != nil {
		return nil, err
	}

	return &common.TransactionRelayed{
		RelayManager: manager,
		RelayWorker:  call.RelayWorker,
		From:         req.From,
		To:           req.To,
		Paymaster:    req.Paymaster,
		Selector:     common.CallSelector(req.Data),
		Status:       status,
		Charge:       charge,
	}, nil
}
