package chainclient

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/hub"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

var (
	TestChainID    = big.NewInt(1337)
	TestHubAddress = ethcommon.HexToAddress("0x000000000000000000000000000000000000a11c")
	TestCoinbase   = ethcommon.HexToAddress("0x000000000000000000000000000000000000c0de")
	TestOneEth     = big.NewInt(1000000000000000000)
)

// TestNetwork is a funded simulated chain with one staked relay and one
// paymaster with a deposit
type TestNetwork struct {
	Chain     *SimulatedChain
	Hub       *hub.RelayHub
	Owner     ethcommon.Address
	Manager   ethcommon.Address
	WorkerKey *ecdsa.PrivateKey
	Worker    ethcommon.Address
	Paymaster ethcommon.Address
	Hooks     *hub.RecordingPaymaster
}

func NewTestNetwork(mode common.FeeMode) (*TestNetwork, error) {
	h, err := hub.NewRelayHub(common.TestLog, hub.Config{
		ChainID:      TestChainID,
		Address:      TestHubAddress,
		FeeMode:      mode,
		MinimumStake: TestOneEth,
	})
	if err != nil {
		return nil, err
	}

	n := &TestNetwork{
		Hub:       h,
		Owner:     ethcommon.HexToAddress("0x0000000000000000000000000000000000000001"),
		Manager:   ethcommon.HexToAddress("0x0000000000000000000000000000000000000002"),
		Paymaster: ethcommon.HexToAddress("0x0000000000000000000000000000000000000004"),
		Hooks:     &hub.RecordingPaymaster{},
	}
	n.WorkerKey, n.Worker = common.GenerateRandomKey()

	ten := new(big.Int).Mul(TestOneEth, big.NewInt(10))
	for _, step := range []func() error{
		func() error { return h.Fund(n.Owner, ten) },
		func() error { return h.Fund(n.Worker, ten) },
		func() error { return h.StakeForRelayManager(n.Owner, n.Manager, TestOneEth, 0) },
		func() error { return h.AddRelayWorker(n.Manager, n.Worker) },
		func() error { return h.DepositFor(n.Owner, n.Paymaster, TestOneEth) },
	} {
		if err := step(); err != nil {
			return nil, err
		}
	}
	h.RegisterPaymaster(n.Paymaster, n.Hooks)

	n.Chain = NewSimulatedChain(SimulatedChainOpts{
		Log:      common.TestLog,
		Hub:      h,
		GasPrice: big.NewInt(1000000000),
		Coinbase: TestCoinbase,
	})
	return n, nil
}
