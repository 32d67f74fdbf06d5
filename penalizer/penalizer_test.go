package penalizer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/hub"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var (
	testChainID = big.NewInt(1337)
	testHubAddr = ethcommon.HexToAddress("0x000000000000000000000000000000000000a11c")
	oneEth      = big.NewInt(1000000000000000000)
	halfEth     = big.NewInt(500000000000000000)
)

type testEnv struct {
	hub       *hub.RelayHub
	penalizer *Penalizer
	store     *MemoryEvidenceStore
	manager   ethcommon.Address
	workerKey *ecdsa.PrivateKey
	clientKey *ecdsa.PrivateKey
	client    ethcommon.Address
	reporter  ethcommon.Address
	paymaster ethcommon.Address
}

func newTestEnv(t *testing.T, mode common.FeeMode) *testEnv {
	t.Helper()
	h, err := hub.NewRelayHub(common.TestLog, hub.Config{ChainID: testChainID, Address: testHubAddr, FeeMode: mode, MinimumStake: oneEth})
	require.NoError(t, err)

	env := &testEnv{
		hub:       h,
		store:     NewMemoryEvidenceStore(),
		manager:   ethcommon.HexToAddress("0x0000000000000000000000000000000000000002"),
		reporter:  ethcommon.HexToAddress("0x0000000000000000000000000000000000000099"),
		paymaster: ethcommon.HexToAddress("0x0000000000000000000000000000000000000004"),
	}
	env.penalizer = NewPenalizer(common.TestLog, h, env.store, hub.DefaultPenaltySchedule)

	var worker ethcommon.Address
	env.workerKey, worker = common.GenerateRandomKey()
	env.clientKey, env.client = common.GenerateRandomKey()

	owner := ethcommon.HexToAddress("0x0000000000000000000000000000000000000001")
	require.NoError(t, h.Fund(owner, oneEth))
	require.NoError(t, h.StakeForRelayManager(owner, env.manager, oneEth, 0))
	require.NoError(t, h.AddRelayWorker(env.manager, worker))
	return env
}

func (env *testEnv) signedRequest(t *testing.T, mode common.FeeMode) *common.SignedRelayRequest {
	t.Helper()
	req := common.NewTestRelayRequest(env.client, env.paymaster, 1000000000000)
	if mode == common.FeeModePercentage {
		req.PctRelayFee = big.NewInt(10)
		req.GasPrice = big.NewInt(10)
		req.ExternalGasLimit = big.NewInt(100000)
	}
	signed, err := common.SignRelayRequest(req, env.hub.Domain(), env.clientKey)
	require.NoError(t, err)
	return signed
}

func (env *testEnv) rawTx(t *testing.T, to ethcommon.Address, gas uint64, signed *common.SignedRelayRequest, declared *big.Int) []byte {
	t.Helper()
	data, err := common.PackRelayCall(signed, declared)
	require.NoError(t, err)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Gas:      gas,
		GasPrice: big.NewInt(10),
		Data:     data,
	})
	tx, err = types.SignTx(tx, types.LatestSignerForChainID(testChainID), env.workerKey)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func TestPenalizeHonestRelay(t *testing.T) {
	env := newTestEnv(t, common.FeeModePercentage)
	signed := env.signedRequest(t, common.FeeModePercentage)
	raw := env.rawTx(t, testHubAddr, 100000, signed, big.NewInt(100000))

	verdict, err := env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
	require.NoError(t, err)
	require.Equal(t, Clean, verdict.Outcome)
	require.Equal(t, ReasonNoViolation, verdict.Reason)
	require.Equal(t, oneEth, env.hub.StakeOf(env.manager))
	require.Equal(t, 1, env.store.Len())
}

func TestPenalizeGasLimitMismatch(t *testing.T) {
	env := newTestEnv(t, common.FeeModePercentage)
	signed := env.signedRequest(t, common.FeeModePercentage)
	raw := env.rawTx(t, testHubAddr, 90000, signed, big.NewInt(100000))

	verdict, err := env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
	require.NoError(t, err)
	require.Equal(t, Slashed, verdict.Outcome)
	require.Equal(t, ReasonTxGasLimit, verdict.Reason)
	require.Equal(t, env.manager, verdict.RelayManager)
	require.Equal(t, oneEth, verdict.Slashed)
	require.Equal(t, halfEth, verdict.Bounty)
	require.Equal(t, halfEth, env.hub.NativeBalance(env.reporter))
	require.Equal(t, Fingerprint(raw), verdict.Fingerprint)

	again, err := env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
	require.NoError(t, err)
	require.Equal(t, Clean, again.Outcome)
	require.Equal(t, ReasonAlreadyAdjudicated, again.Reason)
	require.Equal(t, halfEth, env.hub.NativeBalance(env.reporter))
}

func TestPenalizeBogusClaimLeavesEvidenceOpen(t *testing.T) {
	env := newTestEnv(t, common.FeeModePercentage)
	signed := env.signedRequest(t, common.FeeModePercentage)
	raw := env.rawTx(t, testHubAddr, 90000, signed, big.NewInt(100000))

	bogus := *signed
	bogus.Request.Nonce = big.NewInt(42)
	verdict, err := env.penalizer.Penalize(context.Background(), raw, &bogus, env.manager)
	require.NoError(t, err)
	require.Equal(t, Clean, verdict.Outcome)
	require.Equal(t, ReasonEvidenceMismatch, verdict.Reason)
	require.Equal(t, 0, env.store.Len())

	verdict, err = env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
	require.NoError(t, err)
	require.Equal(t, Slashed, verdict.Outcome)
	require.Equal(t, ReasonTxGasLimit, verdict.Reason)
	require.Equal(t, halfEth, env.hub.NativeBalance(env.reporter))
	require.Equal(t, 1, env.store.Len())
}

func TestPenalizeInvalidSignatureLeavesEvidenceOpen(t *testing.T) {
	env := newTestEnv(t, common.FeeModeFlatBid)
	signed := env.signedRequest(t, common.FeeModeFlatBid)
	altered := *signed
	altered.Request.BaseRelayFee = big.NewInt(2000000000000)
	raw := env.rawTx(t, testHubAddr, 150000, &altered, big.NewInt(0))

	// claiming the embedded request hides the divergence
	verdict, err := env.penalizer.Penalize(context.Background(), raw, &altered, env.manager)
	require.NoError(t, err)
	require.Equal(t, Clean, verdict.Outcome)
	require.Equal(t, ReasonInvalidSignature, verdict.Reason)
	require.Equal(t, 0, env.store.Len())

	verdict, err = env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
	require.NoError(t, err)
	require.Equal(t, Slashed, verdict.Outcome)
	require.Equal(t, ReasonFieldsDiverge, verdict.Reason)
}

type failingSlasher struct {
	*hub.RelayHub
	err error
}

func (s *failingSlasher) PenalizeRelayWorker(worker, beneficiary ethcommon.Address, schedule hub.PenaltySchedule) (*hub.Penalty, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.RelayHub.PenalizeRelayWorker(worker, beneficiary, schedule)
}

func TestPenalizeSlashFailureReleasesEvidence(t *testing.T) {
	env := newTestEnv(t, common.FeeModePercentage)
	slasher := &failingSlasher{RelayHub: env.hub, err: errors.New("ledger overflow")}
	env.penalizer = NewPenalizer(common.TestLog, slasher, env.store, hub.DefaultPenaltySchedule)

	signed := env.signedRequest(t, common.FeeModePercentage)
	raw := env.rawTx(t, testHubAddr, 90000, signed, big.NewInt(100000))

	_, err := env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
	require.EqualError(t, err, "ledger overflow")
	require.Equal(t, 0, env.store.Len())
	require.Equal(t, oneEth, env.hub.StakeOf(env.manager))

	slasher.err = nil
	verdict, err := env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
	require.NoError(t, err)
	require.Equal(t, Slashed, verdict.Outcome)
	require.Equal(t, halfEth, env.hub.NativeBalance(env.reporter))
	require.Equal(t, 1, env.store.Len())
}

func TestPenalizeRules(t *testing.T) {
	testCases := []struct {
		name    string
		mode    common.FeeMode
		build   func(t *testing.T, env *testEnv, signed *common.SignedRelayRequest) []byte
		outcome Outcome
		reason  string
	}{
		{
			name: "declared externalGasLimit differs",
			mode: common.FeeModePercentage,
			build: func(t *testing.T, env *testEnv, signed *common.SignedRelayRequest) []byte {
				return env.rawTx(t, testHubAddr, 100000, signed, big.NewInt(200000))
			},
			outcome: Slashed,
			reason:  ReasonDeclaredGasLimit,
		},
		{
			name: "bid mode declares externalGasLimit",
			mode: common.FeeModeFlatBid,
			build: func(t *testing.T, env *testEnv, signed *common.SignedRelayRequest) []byte {
				return env.rawTx(t, testHubAddr, 150000, signed, big.NewInt(21000))
			},
			outcome: Slashed,
			reason:  ReasonDeclaredGasLimit,
		},
		{
			name: "bid mode with any outer gas limit",
			mode: common.FeeModeFlatBid,
			build: func(t *testing.T, env *testEnv, signed *common.SignedRelayRequest) []byte {
				return env.rawTx(t, testHubAddr, 150000, signed, big.NewInt(0))
			},
			outcome: Clean,
			reason:  ReasonNoViolation,
		},
		{
			name: "relay rewrote the fee",
			mode: common.FeeModeFlatBid,
			build: func(t *testing.T, env *testEnv, signed *common.SignedRelayRequest) []byte {
				altered := *signed
				altered.Request.BaseRelayFee = big.NewInt(2000000000000)
				return env.rawTx(t, testHubAddr, 150000, &altered, big.NewInt(0))
			},
			outcome: Slashed,
			reason:  ReasonFieldsDiverge,
		},
		{
			name: "evidence for another request",
			mode: common.FeeModeFlatBid,
			build: func(t *testing.T, env *testEnv, _ *common.SignedRelayRequest) []byte {
				other := common.NewTestRelayRequest(env.client, env.paymaster, 1000000000000)
				other.Nonce = big.NewInt(1)
				otherSigned, err := common.SignRelayRequest(other, env.hub.Domain(), env.clientKey)
				require.NoError(t, err)
				return env.rawTx(t, testHubAddr, 150000, otherSigned, big.NewInt(0))
			},
			outcome: Clean,
			reason:  ReasonEvidenceMismatch,
		},
		{
			name: "not sent to the hub",
			mode: common.FeeModePercentage,
			build: func(t *testing.T, env *testEnv, signed *common.SignedRelayRequest) []byte {
				return env.rawTx(t, ethcommon.HexToAddress("0x0000000000000000000000000000000000000bad"), 1, signed, big.NewInt(0))
			},
			outcome: Clean,
			reason:  ReasonNotRelayTx,
		},
		{
			name: "sender is not a relay worker",
			mode: common.FeeModePercentage,
			build: func(t *testing.T, env *testEnv, signed *common.SignedRelayRequest) []byte {
				env.workerKey, _ = common.GenerateRandomKey()
				return env.rawTx(t, testHubAddr, 1, signed, big.NewInt(0))
			},
			outcome: Clean,
			reason:  ReasonUnknownWorker,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.mode)
			signed := env.signedRequest(t, tc.mode)
			raw := tc.build(t, env, signed)

			verdict, err := env.penalizer.Penalize(context.Background(), raw, signed, env.reporter)
			require.NoError(t, err)
			require.Equal(t, tc.outcome, verdict.Outcome)
			require.Equal(t, tc.reason, verdict.Reason)
			if tc.outcome == Clean {
				require.Equal(t, oneEth, env.hub.StakeOf(env.manager))
				require.Equal(t, 0, verdict.Bounty.Sign())
			} else {
				require.Equal(t, 0, env.hub.StakeOf(env.manager).Sign())
			}
		})
	}
}

func TestPenalizeMalformedEvidence(t *testing.T) {
	env := newTestEnv(t, common.FeeModeFlatBid)
	signed := env.signedRequest(t, common.FeeModeFlatBid)

	_, err := env.penalizer.Penalize(context.Background(), []byte{0x01, 0x02}, signed, env.reporter)
	require.ErrorIs(t, err, ErrMalformedEvidence)
	require.Equal(t, 0, env.store.Len())

	_, err = env.penalizer.Penalize(context.Background(), env.rawTx(t, testHubAddr, 1, signed, nil), nil, env.reporter)
	require.ErrorIs(t, err, ErrMalformedEvidence)
}
