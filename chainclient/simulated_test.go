package chainclient

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func newTestNetwork(t *testing.T, mode common.FeeMode) *TestNetwork {
	t.Helper()
	n, err := NewTestNetwork(mode)
	require.NoError(t, err)
	return n
}

func signedBid(t *testing.T, n *TestNetwork, bid int64) *common.SignedRelayRequest {
	t.Helper()
	key, from := common.GenerateRandomKey()
	signed, err := common.SignRelayRequest(common.NewTestRelayRequest(from, n.Paymaster, bid), n.Hub.Domain(), key)
	require.NoError(t, err)
	return signed
}

func relayTx(t *testing.T, n *TestNetwork, nonce, gas uint64, signed *common.SignedRelayRequest, declared *big.Int) *types.Transaction {
	t.Helper()
	data, err := common.PackRelayCall(signed, declared)
	require.NoError(t, err)
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &TestHubAddress,
		Gas:      gas,
		GasPrice: big.NewInt(1000000000),
		Data:     data,
	}), types.LatestSignerForChainID(TestChainID), n.WorkerKey)
	require.NoError(t, err)
	return tx
}

func TestSimulatedChainRelaySettles(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork(t, common.FeeModeFlatBid)
	signed := signedBid(t, n, 1000000000000)
	tx := relayTx(t, n, 0, 300000, signed, big.NewInt(0))
	workerBefore := n.Hub.NativeBalance(n.Worker)

	require.NoError(t, n.Chain.SendTransaction(ctx, tx))
	nonce, err := n.Chain.PendingNonceAt(ctx, n.Worker)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)

	_, err = n.Chain.RelayReceipt(ctx, tx.Hash())
	require.ErrorIs(t, err, ErrReceiptNotFound)

	receipts := n.Chain.Mine()
	require.Len(t, receipts, 1)
	require.Equal(t, uint64(1), n.Chain.BlockNumber())

	receipt, err := n.Chain.RelayReceipt(ctx, tx.Hash())
	require.NoError(t, err)
	require.False(t, receipt.Reverted)
	require.NotNil(t, receipt.Event)
	require.Equal(t, big.NewInt(1000000000000), receipt.Event.Charge)
	require.Equal(t, n.Manager, receipt.Event.RelayManager)

	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), big.NewInt(1000000000))
	require.Equal(t, new(big.Int).Sub(workerBefore, gasCost), n.Hub.NativeBalance(n.Worker))
	require.Equal(t, gasCost, n.Hub.NativeBalance(TestCoinbase))

	senderNonce, err := n.Chain.SenderNonce(ctx, signed.Request.From)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1), senderNonce)
}

func TestSimulatedChainRevertIsReceipt(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork(t, common.FeeModeFlatBid)
	signed := signedBid(t, n, 1000000000000)
	tx := relayTx(t, n, 0, 300000, signed, big.NewInt(21000))
	deposit := n.Hub.BalanceOf(n.Paymaster)

	require.NoError(t, n.Chain.SendTransaction(ctx, tx))
	n.Chain.Mine()

	receipt, err := n.Chain.RelayReceipt(ctx, tx.Hash())
	require.NoError(t, err)
	require.True(t, receipt.Reverted)
	require.Contains(t, receipt.RevertReason, "externalGasLimit forbidden in bid mode")
	require.Nil(t, receipt.Event)
	require.Equal(t, deposit, n.Hub.BalanceOf(n.Paymaster))
	require.Equal(t, 1, n.Hub.NativeBalance(TestCoinbase).Sign())
}

func TestSimulatedChainSendTransactionChecks(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork(t, common.FeeModeFlatBid)
	signed := signedBid(t, n, 1000000000000)

	require.ErrorIs(t, n.Chain.SendTransaction(ctx, relayTx(t, n, 1, 300000, signed, nil)), ErrNonceTooHigh)

	tx := relayTx(t, n, 0, 300000, signed, nil)
	require.NoError(t, n.Chain.SendTransaction(ctx, tx))
	require.ErrorIs(t, n.Chain.SendTransaction(ctx, tx), ErrAlreadyKnown)
	require.ErrorIs(t, n.Chain.SendTransaction(ctx, relayTx(t, n, 0, 310000, signed, nil)), ErrNonceTooLow)

	poor, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &TestHubAddress,
		Gas:      21000,
		GasPrice: big.NewInt(1000000000),
	}), types.LatestSignerForChainID(TestChainID), mustKey(t))
	require.NoError(t, err)
	require.ErrorIs(t, n.Chain.SendTransaction(ctx, poor), ErrInsufficientFunds)

	n.Chain.SetAvailable(false)
	_, err = n.Chain.SuggestGasPrice(ctx)
	require.ErrorIs(t, err, ErrNodeUnreachable)
	require.True(t, IsTransient(err))
}

func TestSimulatedChainPenalize(t *testing.T) {
	ctx := context.Background()
	n := newTestNetwork(t, common.FeeModeFlatBid)
	signed := signedBid(t, n, 1000000000000)
	tx := relayTx(t, n, 0, 300000, signed, big.NewInt(50000))
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	reporter := ethcommon.HexToAddress("0x0000000000000000000000000000000000000099")
	verdict, err := n.Chain.Penalize(ctx, raw, signed, reporter)
	require.NoError(t, err)
	require.Equal(t, penalizer.Slashed, verdict.Outcome)
	require.Equal(t, new(big.Int).Div(TestOneEth, big.NewInt(2)), n.Hub.NativeBalance(reporter))

	staked, err := n.Chain.IsRelayManagerStaked(ctx, n.Manager)
	require.NoError(t, err)
	require.False(t, staked)
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, _ := common.GenerateRandomKey()
	return key
}
