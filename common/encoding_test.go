package common

import (
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestRelayCallCalldata(t *testing.T) {
	key, from := GenerateRandomKey()
	req := NewTestRelayRequest(from, ethcommon.HexToAddress("0x03"), 5)
	req.PaymasterData = []byte{0xde, 0xad}
	signed, err := SignRelayRequest(req, testDomain, key)
	require.NoError(t, err)

	calldata, err := PackRelayCall(signed, big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, RelayHubABI.Methods["relayCall"].ID, calldata[:4])

	call, err := UnpackRelayCall(calldata)
	require.NoError(t, err)
	require.True(t, req.Equal(call.Request))
	require.Equal(t, []byte(signed.Signature), call.Signature)
	require.Equal(t, 0, call.ExternalGasLimit.Sign())

	_, err = UnpackRelayCall([]byte{1, 2})
	require.ErrorIs(t, err, ErrInvalidCalldata)

	getNonce, err := RelayHubABI.Pack("getNonce", from)
	require.NoError(t, err)
	_, err = UnpackRelayCall(getNonce)
	require.ErrorIs(t, err, ErrInvalidCalldata)
}

func TestDecodeTransactionRelayedLog(t *testing.T) {
	event := RelayHubABI.Events["TransactionRelayed"]
	manager, worker, from := ethcommon.HexToAddress("0x11"), ethcommon.HexToAddress("0x22"), ethcommon.HexToAddress("0x33")
	data, err := event.Inputs.NonIndexed().Pack(
		ethcommon.HexToAddress("0x44"),
		ethcommon.HexToAddress("0x55"),
		[4]byte{0xa9, 0x05, 0x9c, 0xbb},
		uint8(RelayCallOK),
		big.NewInt(1000000000000),
	)
	require.NoError(t, err)

	l := &types.Log{
		Topics: []ethcommon.Hash{
			event.ID,
			ethcommon.BytesToHash(manager.Bytes()),
			ethcommon.BytesToHash(worker.Bytes()),
			ethcommon.BytesToHash(from.Bytes()),
		},
		Data: data,
	}

	ev, err := DecodeTransactionRelayedLog(l)
	require.NoError(t, err)
	require.Equal(t, manager, ev.RelayManager)
	require.Equal(t, worker, ev.RelayWorker)
	require.Equal(t, from, ev.From)
	require.Equal(t, ethcommon.HexToAddress("0x55"), ev.Paymaster)
	require.Equal(t, big.NewInt(1000000000000), ev.Charge)

	l.Topics = l.Topics[:2]
	_, err = DecodeTransactionRelayedLog(l)
	require.Error(t, err)
}
