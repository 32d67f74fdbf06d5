package hub

import (
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotStaked          = errors.New("relay manager not staked")
	ErrStakeLocked        = errors.New("stake is still locked")
	ErrNotOwner           = errors.New("caller is not the stake owner")
	ErrWorkerRegistered   = errors.New("relay worker already registered")
	ErrUnknownRelayWorker = errors.New("unknown relay worker")
)

const basisPoints = 10000

// StakeInfo is the collateral a relay manager locked at the hub
type StakeInfo struct {
	Owner        ethcommon.Address
	Stake        *uint256.Int
	UnstakeDelay uint64
	// WithdrawBlock is zero while the stake is locked
	WithdrawBlock uint64
}

// PenaltySchedule sets how much of a stake is slashed and how much of the
// slashed amount goes to the reporter. Values are in basis points.
type PenaltySchedule struct {
	SlashBps  uint64 `json:"slashBps"`
	BountyBps uint64 `json:"bountyBps"`
}

// DefaultPenaltySchedule slashes the whole stake and pays half to the reporter
var DefaultPenaltySchedule = PenaltySchedule{SlashBps: basisPoints, BountyBps: basisPoints / 2}

// Penalty is the outcome of a slash
type Penalty struct {
	RelayManager ethcommon.Address
	Slashed      *big.Int
	Bounty       *big.Int
	Burned       *big.Int
}

// StakeForRelayManager locks amount from owner's balance as the manager's stake
func (h *RelayHub) StakeForRelayManager(owner, manager ethcommon.Address, amount *big.Int, unstakeDelay uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	value, err := toU256(amount)
	if err != nil {
		return err
	}
	info, ok := h.ledger.state.stakes[manager]
	if ok && info.Owner != owner {
		return ErrNotOwner
	}
	if unstakeDelay < h.cfg.MinimumUnstakeDelay {
		return fmt.Errorf("unstake delay %d below minimum %d", unstakeDelay, h.cfg.MinimumUnstakeDelay)
	}
	if err := h.ledger.SubBalance(owner, value); err != nil {
		return err
	}

	stake := new(uint256.Int)
	if ok {
		stake.Set(info.Stake)
	}
	stake.Add(stake, value)
	h.ledger.state.stakes[manager] = StakeInfo{
		Owner:        owner,
		Stake:        stake,
		UnstakeDelay: unstakeDelay,
	}
	return nil
}

// AddRelayWorker binds worker to a staked manager
func (h *RelayHub) AddRelayWorker(manager, worker ethcommon.Address) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isStaked(manager) {
		return ErrNotStaked
	}
	if _, ok := h.ledger.state.workers[worker]; ok {
		return ErrWorkerRegistered
	}
	h.ledger.state.workers[worker] = manager
	return nil
}

// UnlockStake starts the unstake delay
func (h *RelayHub) UnlockStake(owner, manager ethcommon.Address, currentBlock uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.ledger.state.stakes[manager]
	if !ok {
		return ErrNotStaked
	}
	if info.Owner != owner {
		return ErrNotOwner
	}
	info.WithdrawBlock = currentBlock + info.UnstakeDelay
	h.ledger.state.stakes[manager] = info
	return nil
}

// WithdrawStake returns an unlocked stake to its owner
func (h *RelayHub) WithdrawStake(owner, manager ethcommon.Address, currentBlock uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, ok := h.ledger.state.stakes[manager]
	if !ok {
		return ErrNotStaked
	}
	if info.Owner != owner {
		return ErrNotOwner
	}
	if info.WithdrawBlock == 0 || currentBlock < info.WithdrawBlock {
		return ErrStakeLocked
	}
	if err := h.ledger.AddBalance(owner, info.Stake); err != nil {
		return err
	}
	delete(h.ledger.state.stakes, manager)
	return nil
}

func (h *RelayHub) IsRelayManagerStaked(manager ethcommon.Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isStaked(manager)
}

func (h *RelayHub) isStaked(manager ethcommon.Address) bool {
	info, ok := h.ledger.state.stakes[manager]
	if !ok || info.WithdrawBlock != 0 {
		return false
	}
	minimum, _ := toU256(h.cfg.MinimumStake)
	return !info.Stake.IsZero() && !info.Stake.Lt(minimum)
}

// StakeOf returns the manager's stake, or zero
func (h *RelayHub) StakeOf(manager ethcommon.Address) *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info, ok := h.ledger.state.stakes[manager]; ok {
		return info.Stake.ToBig()
	}
	return new(big.Int)
}

// WorkerToManager resolves the manager a worker was registered to
func (h *RelayHub) WorkerToManager(worker ethcommon.Address) (ethcommon.Address, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	manager, ok := h.ledger.state.workers[worker]
	return manager, ok
}

// PenalizeRelayWorker slashes the stake of the worker's manager per schedule,
// pays the bounty to beneficiary and burns the rest. The whole operation is
// atomic.
func (h *RelayHub) PenalizeRelayWorker(worker, beneficiary ethcommon.Address, schedule PenaltySchedule) (*Penalty, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	manager, ok := h.ledger.state.workers[worker]
	if !ok {
		return nil, ErrUnknownRelayWorker
	}
	info, ok := h.ledger.state.stakes[manager]
	if !ok {
		return &Penalty{RelayManager: manager, Slashed: new(big.Int), Bounty: new(big.Int), Burned: new(big.Int)}, nil
	}

	slashBps, bountyBps := schedule.SlashBps, schedule.BountyBps
	if slashBps > basisPoints {
		slashBps = basisPoints
	}
	if bountyBps > basisPoints {
		bountyBps = basisPoints
	}

	slashed := new(uint256.Int).Mul(info.Stake, uint256.NewInt(slashBps))
	slashed.Div(slashed, uint256.NewInt(basisPoints))
	bounty := new(uint256.Int).Mul(slashed, uint256.NewInt(bountyBps))
	bounty.Div(bounty, uint256.NewInt(basisPoints))
	burned := new(uint256.Int).Sub(slashed, bounty)

	snap := h.ledger.Snapshot()
	info.Stake = new(uint256.Int).Sub(info.Stake, slashed)
	h.ledger.state.stakes[manager] = info
	if err := h.ledger.AddBalance(beneficiary, bounty); err != nil {
		_ = h.ledger.RevertToSnapshot(snap)
		return nil, err
	}
	h.ledger.state.burned.Add(h.ledger.state.burned, burned)
	h.ledger.DiscardSnapshot(snap)

	h.log.WithFields(map[string]interface{}{
		"relayManager": manager.Hex(),
		"relayWorker":  worker.Hex(),
		"beneficiary":  beneficiary.Hex(),
		"slashed":      slashed.ToBig().String(),
		"bounty":       bounty.ToBig().String(),
	}).Warn("relay manager penalized")

	return &Penalty{
		RelayManager: manager,
		Slashed:      slashed.ToBig(),
		Bounty:       bounty.ToBig(),
		Burned:       burned.ToBig(),
	}, nil
}
