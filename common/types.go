package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrMissingRequest  = errors.New("req is nil")
	ErrInvalidFeeMode  = errors.New("invalid fee mode")
	ErrInvalidDecimal  = errors.New("invalid decimal value")
	ErrMissingSigner   = errors.New("signing key is nil")
	ErrInvalidCalldata = errors.New("invalid relayCall calldata")
)

type HTTPErrorResp struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var NilResponse = struct{}{}

// FeeMode is the pricing mode a relay server and a relay hub run in. Exactly
// one mode is active per deployment.
type FeeMode uint8

const (
	FeeModeUnknown FeeMode = iota
	FeeModeFlatBid
	FeeModePercentage
)

const (
	feeModeFlatBidStr    = "baseRelayFeeBid"
	feeModePercentageStr = "pctRelayFee"
)

func (m FeeMode) String() string {
	switch m {
	case FeeModeFlatBid:
		return feeModeFlatBidStr
	case FeeModePercentage:
		return feeModePercentageStr
	default:
		return "unknown"
	}
}

// ParseFeeMode converts the textual mode used in config files and API responses
func ParseFeeMode(s string) (FeeMode, error) {
	switch s {
	case feeModeFlatBidStr:
		return FeeModeFlatBid, nil
	case feeModePercentageStr:
		return FeeModePercentage, nil
	default:
		return FeeModeUnknown, fmt.Errorf("%w: %q", ErrInvalidFeeMode, s)
	}
}

func (m FeeMode) MarshalText() ([]byte, error) {
	if m != FeeModeFlatBid && m != FeeModePercentage {
		return nil, ErrInvalidFeeMode
	}
	return []byte(m.String()), nil
}

func (m *FeeMode) UnmarshalText(text []byte) error {
	mode, err := ParseFeeMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// RelayFees are the fee fields a client signs as part of a RelayRequest. Nil
// values are treated as zero.
type RelayFees struct {
	PctRelayFee      *big.Int
	BaseRelayFee     *big.Int
	GasPrice         *big.Int
	ExternalGasLimit *big.Int
}

// Normalized returns a copy of the fees with every nil field set to zero
func (f RelayFees) Normalized() RelayFees {
	return RelayFees{
		PctRelayFee:      BigOrZero(f.PctRelayFee),
		BaseRelayFee:     BigOrZero(f.BaseRelayFee),
		GasPrice:         BigOrZero(f.GasPrice),
		ExternalGasLimit: BigOrZero(f.ExternalGasLimit),
	}
}

// Equal compares the fee fields by value
func (f RelayFees) Equal(o RelayFees) bool {
	a, b := f.Normalized(), o.Normalized()
	return a.PctRelayFee.Cmp(b.PctRelayFee) == 0 &&
		a.BaseRelayFee.Cmp(b.BaseRelayFee) == 0 &&
		a.GasPrice.Cmp(b.GasPrice) == 0 &&
		a.ExternalGasLimit.Cmp(b.ExternalGasLimit) == 0
}

// Domain binds a request signature to one hub deployment on one chain
type Domain struct {
	ChainID  *big.Int          `json:"chainId"`
	RelayHub ethcommon.Address `json:"relayHub"`
}

// RelayRequest is the meta-transaction a client signs. It is never mutated
// after signing.
type RelayRequest struct {
	From          ethcommon.Address
	To            ethcommon.Address
	Data          []byte
	Value         *big.Int
	Paymaster     ethcommon.Address
	PaymasterData []byte
	Nonce         *big.Int
	ValidUntil    uint64

	RelayFees
}

type relayRequestJSON struct {
	From             ethcommon.Address `json:"from"`
	To               ethcommon.Address `json:"to"`
	Data             hexutil.Bytes     `json:"data"`
	Value            string            `json:"value"`
	Paymaster        ethcommon.Address `json:"paymaster"`
	PaymasterData    hexutil.Bytes     `json:"paymasterData"`
	Nonce            string            `json:"nonce"`
	ValidUntil       uint64            `json:"validUntil,string"`
	PctRelayFee      string            `json:"pctRelayFee"`
	BaseRelayFee     string            `json:"baseRelayFee"`
	GasPrice         string            `json:"gasPrice"`
	ExternalGasLimit string            `json:"externalGasLimit"`
}

// MarshalJSON encodes amounts as base-10 strings
func (r RelayRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(relayRequestJSON{
		From:             r.From,
		To:               r.To,
		Data:             r.Data,
		Value:            BigOrZero(r.Value).String(),
		Paymaster:        r.Paymaster,
		PaymasterData:    r.PaymasterData,
		Nonce:            BigOrZero(r.Nonce).String(),
		ValidUntil:       r.ValidUntil,
		PctRelayFee:      BigOrZero(r.PctRelayFee).String(),
		BaseRelayFee:     BigOrZero(r.BaseRelayFee).String(),
		GasPrice:         BigOrZero(r.GasPrice).String(),
		ExternalGasLimit: BigOrZero(r.ExternalGasLimit).String(),
	})
}

func (r *RelayRequest) UnmarshalJSON(data []byte) error {
	var raw relayRequestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	fields := []struct {
		name string
		in   string
		out  **big.Int
	}{
		{"value", raw.Value, &r.Value},
		{"nonce", raw.Nonce, &r.Nonce},
		{"pctRelayFee", raw.PctRelayFee, &r.PctRelayFee},
		{"baseRelayFee", raw.BaseRelayFee, &r.BaseRelayFee},
		{"gasPrice", raw.GasPrice, &r.GasPrice},
		{"externalGasLimit", raw.ExternalGasLimit, &r.ExternalGasLimit},
	}
	for _, f := range fields {
		v, err := ParseDecimal(f.in)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.out = v
	}

	r.From = raw.From
	r.To = raw.To
	r.Data = raw.Data
	r.Paymaster = raw.Paymaster
	r.PaymasterData = raw.PaymasterData
	r.ValidUntil = raw.ValidUntil
	return nil
}

// Equal reports whether two requests carry identical signed fields
func (r *RelayRequest) Equal(o *RelayRequest) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.From == o.From &&
		r.To == o.To &&
		string(r.Data) == string(o.Data) &&
		BigOrZero(r.Value).Cmp(BigOrZero(o.Value)) == 0 &&
		r.Paymaster == o.Paymaster &&
		string(r.PaymasterData) == string(o.PaymasterData) &&
		BigOrZero(r.Nonce).Cmp(BigOrZero(o.Nonce)) == 0 &&
		r.ValidUntil == o.ValidUntil &&
		r.RelayFees.Equal(o.RelayFees)
}

// SignedRelayRequest is a request plus the client's signature over its hash
type SignedRelayRequest struct {
	Request   RelayRequest  `json:"request"`
	Signature hexutil.Bytes `json:"signature"`
}

// RelayCallStatus is the outcome of the inner call executed by the hub
type RelayCallStatus uint8

const (
	RelayCallOK RelayCallStatus = iota
	RelayCallFailed
	RelayCallPostFailed
)

func (s RelayCallStatus) String() string {
	switch s {
	case RelayCallOK:
		return "OK"
	case RelayCallFailed:
		return "RelayedCallFailed"
	case RelayCallPostFailed:
		return "PostRelayedFailed"
	default:
		return fmt.Sprintf("RelayCallStatus(%d)", uint8(s))
	}
}

// TransactionRelayed is the event the hub emits for every settled relay call
type TransactionRelayed struct {
	RelayManager ethcommon.Address `json:"relayManager"`
	RelayWorker  ethcommon.Address `json:"relayWorker"`
	From         ethcommon.Address `json:"from"`
	To           ethcommon.Address `json:"to"`
	Paymaster    ethcommon.Address `json:"paymaster"`
	Selector     hexutil.Bytes     `json:"selector"`
	Status       RelayCallStatus   `json:"status"`
	Charge       *big.Int          `json:"charge"`
}

// RelayReceipt is what a chain node reports for a mined relay transaction.
// Event is nil when the hub reverted.
type RelayReceipt struct {
	TxHash       ethcommon.Hash      `json:"txHash"`
	BlockNumber  uint64              `json:"blockNumber"`
	GasUsed      uint64              `json:"gasUsed"`
	Reverted     bool                `json:"reverted"`
	RevertReason string              `json:"revertReason,omitempty"`
	Event        *TransactionRelayed `json:"event,omitempty"`
}

// RelayedTransaction is the relay's record of an outer transaction it
// broadcast on behalf of a client
type RelayedTransaction struct {
	TxHash       ethcommon.Hash     `json:"txHash"`
	RequestHash  ethcommon.Hash     `json:"requestHash"`
	RelayWorker  ethcommon.Address  `json:"relayWorker"`
	RelayManager ethcommon.Address  `json:"relayManager"`
	WorkerNonce  uint64             `json:"workerNonce"`
	FeeMode      FeeMode            `json:"feeMode"`
	TxGasLimit   uint64             `json:"txGasLimit,string"`
	TxGasPrice   *big.Int           `json:"txGasPrice"`
	Signed       SignedRelayRequest `json:"signedRequest"`
	RawTx        hexutil.Bytes      `json:"rawTx"`
	SubmittedAt  int64              `json:"submittedAt"`
}
