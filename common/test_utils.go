package common

import (
	"crypto/ecdsa"
	"crypto/rand"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// TestLog is used to log information in the test methods
var TestLog = logrus.WithField("testing", true)

const hashByteLength = 32

// GenerateRandomEthHash returns a random 32-byte hash (tx hash, evidence fingerprint, etc.)
func GenerateRandomEthHash() ethcommon.Hash {
	b := make([]byte, hashByteLength)
	_, _ = rand.Read(b)
	return ethcommon.BytesToHash(b)
}

// GenerateRandomKey returns a new secp256k1 key and its address
func GenerateRandomKey() (*ecdsa.PrivateKey, ethcommon.Address) {
	key, err := crypto.GenerateKey()
	if err != nil {
		TestLog.WithError(err).Fatal("could not generate key")
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// NewTestRelayRequest returns a bid-mode request from from with the given fee
func NewTestRelayRequest(from, paymaster ethcommon.Address, baseRelayFee int64) *RelayRequest {
	return &RelayRequest{
		From:      from,
		To:        ethcommon.HexToAddress("0x8dC847Af872947Ac18d5d63fA646EB65d4D99560"),
		Data:      ethcommon.Hex2Bytes("a9059cbb000000000000000000000000"),
		Value:     big.NewInt(0),
		Paymaster: paymaster,
		Nonce:     big.NewInt(0),
		RelayFees: RelayFees{
			PctRelayFee:      big.NewInt(0),
			BaseRelayFee:     big.NewInt(baseRelayFee),
			GasPrice:         big.NewInt(0),
			ExternalGasLimit: big.NewInt(0),
		},
	}
}
