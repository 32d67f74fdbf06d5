package hub

import (
	"math/big"
	"sync"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
)

// Paymaster is the contract that sponsors relayed calls. The hub reports gas
// figures to it; in bid mode both are zero.
type Paymaster interface {
	// PreRelayedCall may refuse the call. The returned context is passed to
	// PostRelayedCall unchanged.
	PreRelayedCall(req *common.RelayRequest, maxPossibleGas *big.Int) ([]byte, error)
	PostRelayedCall(context []byte, success bool, gasUseWithoutPost *big.Int) error
}

type acceptAllPaymaster struct{}

func (acceptAllPaymaster) PreRelayedCall(*common.RelayRequest, *big.Int) ([]byte, error) {
	return nil, nil
}

func (acceptAllPaymaster) PostRelayedCall([]byte, bool, *big.Int) error {
	return nil
}

// HookCall is one observed paymaster hook invocation
type HookCall struct {
	Hook    string
	Gas     *big.Int
	Success bool
}

// RecordingPaymaster accepts every call and remembers the gas values it was
// given. PreErr and PostErr, when set, are returned from the hooks.
type RecordingPaymaster struct {
	mu      sync.Mutex
	calls   []HookCall
	PreErr  error
	PostErr error
}

func (p *RecordingPaymaster) PreRelayedCall(req *common.RelayRequest, maxPossibleGas *big.Int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, HookCall{Hook: "preRelayedCall", Gas: new(big.Int).Set(maxPossibleGas)})
	if p.PreErr != nil {
		return nil, p.PreErr
	}
	return req.From.Bytes(), nil
}

func (p *RecordingPaymaster) PostRelayedCall(_ []byte, success bool, gasUseWithoutPost *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, HookCall{Hook: "postRelayedCall", Gas: new(big.Int).Set(gasUseWithoutPost), Success: success})
	return p.PostErr
}

// Calls returns a copy of the recorded hook invocations
func (p *RecordingPaymaster) Calls() []HookCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HookCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallExecutor runs the inner call of a relay request and reports the gas it
// used and whether it succeeded
type CallExecutor interface {
	Execute(req *common.RelayRequest, gasLimit uint64) (gasUsed uint64, success bool)
}

type CallExecutorFunc func(req *common.RelayRequest, gasLimit uint64) (uint64, bool)

func (f CallExecutorFunc) Execute(req *common.RelayRequest, gasLimit uint64) (uint64, bool) {
	return f(req, gasLimit)
}

const (
	callBaseGas     = 21000
	callDataByteGas = 16
)

// IntrinsicCallExecutor charges base gas plus calldata gas and always succeeds
// when that fits in the limit
var IntrinsicCallExecutor = CallExecutorFunc(func(req *common.RelayRequest, gasLimit uint64) (uint64, bool) {
	gas := uint64(callBaseGas + callDataByteGas*len(req.Data))
	if gasLimit != 0 && gas > gasLimit {
		return gasLimit, false
	}
	return gas, true
})
