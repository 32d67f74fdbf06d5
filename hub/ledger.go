package hub

import (
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountOverflow      = errors.New("amount overflows uint256")
	ErrInvalidSnapshot     = errors.New("invalid snapshot id")
)

// ledgerState is everything a relay call may touch. Snapshots copy it whole.
type ledgerState struct {
	balances    map[ethcommon.Address]*uint256.Int
	hubBalances map[ethcommon.Address]*uint256.Int
	nonces      map[ethcommon.Address]uint64
	stakes      map[ethcommon.Address]StakeInfo
	workers     map[ethcommon.Address]ethcommon.Address
	burned      *uint256.Int
}

func newLedgerState() ledgerState {
	return ledgerState{
		balances:    make(map[ethcommon.Address]*uint256.Int),
		hubBalances: make(map[ethcommon.Address]*uint256.Int),
		nonces:      make(map[ethcommon.Address]uint64),
		stakes:      make(map[ethcommon.Address]StakeInfo),
		workers:     make(map[ethcommon.Address]ethcommon.Address),
		burned:      new(uint256.Int),
	}
}

func (s ledgerState) copy() ledgerState {
	c := newLedgerState()
	for k, v := range s.balances {
		c.balances[k] = new(uint256.Int).Set(v)
	}
	for k, v := range s.hubBalances {
		c.hubBalances[k] = new(uint256.Int).Set(v)
	}
	for k, v := range s.nonces {
		c.nonces[k] = v
	}
	for k, v := range s.stakes {
		v.Stake = new(uint256.Int).Set(v.Stake)
		c.stakes[k] = v
	}
	for k, v := range s.workers {
		c.workers[k] = v
	}
	c.burned.Set(s.burned)
	return c
}

// Ledger holds native balances, hub balances (paymaster deposits and relay
// earnings), sender nonces and stakes. It is not safe for concurrent use; the
// hub serializes access.
type Ledger struct {
	state     ledgerState
	snapshots []ledgerState
}

func NewLedger() *Ledger {
	return &Ledger{state: newLedgerState()}
}

// Snapshot returns an id that RevertToSnapshot can roll back to
func (l *Ledger) Snapshot() int {
	l.snapshots = append(l.snapshots, l.state.copy())
	return len(l.snapshots) - 1
}

// RevertToSnapshot restores the state captured by Snapshot(id) and drops
// every later snapshot
func (l *Ledger) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(l.snapshots) {
		return ErrInvalidSnapshot
	}
	l.state = l.snapshots[id]
	l.snapshots = l.snapshots[:id]
	return nil
}

// DiscardSnapshot keeps the current state and forgets snapshot id and later ones
func (l *Ledger) DiscardSnapshot(id int) {
	if id >= 0 && id < len(l.snapshots) {
		l.snapshots = l.snapshots[:id]
	}
}

func toU256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %s", ErrAmountOverflow, amount)
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return v, nil
}

func get(m map[ethcommon.Address]*uint256.Int, addr ethcommon.Address) *uint256.Int {
	if v, ok := m[addr]; ok {
		return v
	}
	return new(uint256.Int)
}

func add(m map[ethcommon.Address]*uint256.Int, addr ethcommon.Address, amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(get(m, addr), amount)
	if overflow {
		return ErrAmountOverflow
	}
	m[addr] = sum
	return nil
}

func sub(m map[ethcommon.Address]*uint256.Int, addr ethcommon.Address, amount *uint256.Int) error {
	current := get(m, addr)
	if current.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, addr, current.ToBig(), amount.ToBig())
	}
	m[addr] = new(uint256.Int).Sub(current, amount)
	return nil
}

func (l *Ledger) BalanceOf(addr ethcommon.Address) *big.Int {
	return get(l.state.balances, addr).ToBig()
}

func (l *Ledger) AddBalance(addr ethcommon.Address, amount *uint256.Int) error {
	return add(l.state.balances, addr, amount)
}

func (l *Ledger) SubBalance(addr ethcommon.Address, amount *uint256.Int) error {
	return sub(l.state.balances, addr, amount)
}

func (l *Ledger) HubBalanceOf(addr ethcommon.Address) *big.Int {
	return get(l.state.hubBalances, addr).ToBig()
}

func (l *Ledger) AddHubBalance(addr ethcommon.Address, amount *uint256.Int) error {
	return add(l.state.hubBalances, addr, amount)
}

func (l *Ledger) SubHubBalance(addr ethcommon.Address, amount *uint256.Int) error {
	return sub(l.state.hubBalances, addr, amount)
}

func (l *Ledger) Nonce(addr ethcommon.Address) uint64 {
	return l.state.nonces[addr]
}

func (l *Ledger) IncrementNonce(addr ethcommon.Address) {
	l.state.nonces[addr]++
}

// Burned is the total amount removed from circulation by penalties
func (l *Ledger) Burned() *big.Int {
	return l.state.burned.ToBig()
}

// TotalSupply sums every balance, deposit, stake and burned amount. Relay
// calls and penalties never change it.
func (l *Ledger) TotalSupply() *big.Int {
	total := new(big.Int)
	for _, v := range l.state.balances {
		total.Add(total, v.ToBig())
	}
	for _, v := range l.state.hubBalances {
		total.Add(total, v.ToBig())
	}
	for _, s := range l.state.stakes {
		total.Add(total, s.Stake.ToBig())
	}
	return total.Add(total, l.state.burned.ToBig())
}
