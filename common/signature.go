package common

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Hash returns the digest a client signs for this request within domain
func (r *RelayRequest) Hash(domain Domain) (ethcommon.Hash, error) {
	if r == nil {
		return ethcommon.Hash{}, ErrMissingRequest
	}
	fees := r.RelayFees.Normalized()
	packed, err := requestHashArgs.Pack(
		[32]byte(relayRequestTypeHash),
		BigOrZero(domain.ChainID),
		domain.RelayHub,
		r.From,
		r.To,
		[32]byte(crypto.Keccak256Hash(r.Data)),
		BigOrZero(r.Value),
		r.Paymaster,
		[32]byte(crypto.Keccak256Hash(r.PaymasterData)),
		BigOrZero(r.Nonce),
		new(big.Int).SetUint64(r.ValidUntil),
		fees.PctRelayFee,
		fees.BaseRelayFee,
		fees.GasPrice,
		fees.ExternalGasLimit,
	)
	if err != nil {
		return ethcommon.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// SignRelayRequest signs the request hash with key
func SignRelayRequest(r *RelayRequest, domain Domain, key *ecdsa.PrivateKey) (*SignedRelayRequest, error) {
	if key == nil {
		return nil, ErrMissingSigner
	}
	hash, err := r.Hash(domain)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	return &SignedRelayRequest{Request: *r, Signature: sig}, nil
}

// RecoverSigner returns the address that produced sig over the request hash
func RecoverSigner(r *RelayRequest, domain Domain, sig []byte) (ethcommon.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return ethcommon.Address{}, ErrInvalidSignature
	}
	hash, err := r.Hash(domain)
	if err != nil {
		return ethcommon.Address{}, err
	}

	// accept both 0/1 and 27/28 recovery ids
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return ethcommon.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that sig was produced by r.From
func (s *SignedRelayRequest) VerifySignature(domain Domain) error {
	if s == nil {
		return ErrMissingRequest
	}
	signer, err := RecoverSigner(&s.Request, domain, s.Signature)
	if err != nil {
		return err
	}
	if signer != s.Request.From {
		return ErrInvalidSignature
	}
	return nil
}
