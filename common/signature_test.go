package common

import (
	"encoding/json"
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var testDomain = Domain{
	ChainID:  big.NewInt(1337),
	RelayHub: ethcommon.HexToAddress("0x00000000000000000000000000000000000a11ce"),
}

func TestSignAndRecover(t *testing.T) {
	key, from := GenerateRandomKey()
	req := NewTestRelayRequest(from, ethcommon.HexToAddress("0x01"), 1000000000000)

	signed, err := SignRelayRequest(req, testDomain, key)
	require.NoError(t, err)
	require.NoError(t, signed.VerifySignature(testDomain))

	t.Run("mutated fee field invalidates signature", func(t *testing.T) {
		tampered := *signed
		tampered.Request.BaseRelayFee = big.NewInt(1000000000001)
		require.ErrorIs(t, tampered.VerifySignature(testDomain), ErrInvalidSignature)
	})

	t.Run("other domain invalidates signature", func(t *testing.T) {
		other := Domain{ChainID: big.NewInt(1), RelayHub: testDomain.RelayHub}
		require.ErrorIs(t, signed.VerifySignature(other), ErrInvalidSignature)
	})

	t.Run("legacy recovery id", func(t *testing.T) {
		legacy := *signed
		legacy.Signature = append([]byte{}, signed.Signature...)
		legacy.Signature[64] += 27
		require.NoError(t, legacy.VerifySignature(testDomain))
	})

	t.Run("short signature", func(t *testing.T) {
		_, err := RecoverSigner(req, testDomain, []byte{1, 2, 3})
		require.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestRelayRequestJSON(t *testing.T) {
	_, from := GenerateRandomKey()
	req := NewTestRelayRequest(from, ethcommon.HexToAddress("0x02"), 7777)
	req.ValidUntil = 1700000000

	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.Contains(t, string(b), `"baseRelayFee":"7777"`)

	var decoded RelayRequest
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.True(t, req.Equal(&decoded))

	err = json.Unmarshal([]byte(`{"baseRelayFee":"seven"}`), &decoded)
	require.ErrorIs(t, err, ErrInvalidDecimal)
}
