package common

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RelayRequestType is the canonical type string hashed into every request hash
const RelayRequestType = "RelayRequest(address from,address to,bytes data,uint256 value,address paymaster,bytes paymasterData,uint256 nonce,uint256 validUntil,uint256 pctRelayFee,uint256 baseRelayFee,uint256 gasPrice,uint256 externalGasLimit)"

const relayHubABIJSON = `[
	{"type":"function","name":"relayCall","stateMutability":"nonpayable","inputs":[{"name":"request","type":"bytes"},{"name":"signature","type":"bytes"},{"name":"externalGasLimit","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"from","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"target","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"isRelayManagerStaked","stateMutability":"view","inputs":[{"name":"relayManager","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"workerToManager","stateMutability":"view","inputs":[{"name":"worker","type":"address"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"penalize","stateMutability":"nonpayable","inputs":[{"name":"rawTx","type":"bytes"},{"name":"request","type":"bytes"},{"name":"signature","type":"bytes"}],"outputs":[]},
	{"type":"event","name":"TransactionRelayed","anonymous":false,"inputs":[
		{"name":"relayManager","type":"address","indexed":true},
		{"name":"relayWorker","type":"address","indexed":true},
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":false},
		{"name":"paymaster","type":"address","indexed":false},
		{"name":"selector","type":"bytes4","indexed":false},
		{"name":"status","type":"uint8","indexed":false},
		{"name":"charge","type":"uint256","indexed":false}]}
]`

var (
	// RelayHubABI describes the hub methods and events the relay network uses
	RelayHubABI = mustParseABI(relayHubABIJSON)

	relayRequestTypeHash = crypto.Keccak256Hash([]byte(RelayRequestType))

	uint256Type = mustNewType("uint256")
	addressType = mustNewType("address")
	bytesType   = mustNewType("bytes")
	bytes32Type = mustNewType("bytes32")

	relayRequestArgs = abi.Arguments{
		{Name: "from", Type: addressType},
		{Name: "to", Type: addressType},
		{Name: "data", Type: bytesType},
		{Name: "value", Type: uint256Type},
		{Name: "paymaster", Type: addressType},
		{Name: "paymasterData", Type: bytesType},
		{Name: "nonce", Type: uint256Type},
		{Name: "validUntil", Type: uint256Type},
		{Name: "pctRelayFee", Type: uint256Type},
		{Name: "baseRelayFee", Type: uint256Type},
		{Name: "gasPrice", Type: uint256Type},
		{Name: "externalGasLimit", Type: uint256Type},
	}

	requestHashArgs = abi.Arguments{
		{Name: "typeHash", Type: bytes32Type},
		{Name: "chainId", Type: uint256Type},
		{Name: "relayHub", Type: addressType},
		{Name: "from", Type: addressType},
		{Name: "to", Type: addressType},
		{Name: "dataHash", Type: bytes32Type},
		{Name: "value", Type: uint256Type},
		{Name: "paymaster", Type: addressType},
		{Name: "paymasterDataHash", Type: bytes32Type},
		{Name: "nonce", Type: uint256Type},
		{Name: "validUntil", Type: uint256Type},
		{Name: "pctRelayFee", Type: uint256Type},
		{Name: "baseRelayFee", Type: uint256Type},
		{Name: "gasPrice", Type: uint256Type},
		{Name: "externalGasLimit", Type: uint256Type},
	}
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodeRelayRequest ABI-encodes the request fields as a flat tuple
func EncodeRelayRequest(r *RelayRequest) ([]byte, error) {
	if r == nil {
		return nil, ErrMissingRequest
	}
	fees := r.RelayFees.Normalized()
	return relayRequestArgs.Pack(
		r.From,
		r.To,
		nonNilBytes(r.Data),
		BigOrZero(r.Value),
		r.Paymaster,
		nonNilBytes(r.PaymasterData),
		BigOrZero(r.Nonce),
		new(big.Int).SetUint64(r.ValidUntil),
		fees.PctRelayFee,
		fees.BaseRelayFee,
		fees.GasPrice,
		fees.ExternalGasLimit,
	)
}

// DecodeRelayRequest is the inverse of EncodeRelayRequest
func DecodeRelayRequest(data []byte) (*RelayRequest, error) {
	values, err := relayRequestArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("could not decode relay request: %w", err)
	}
	if len(values) != len(relayRequestArgs) {
		return nil, fmt.Errorf("could not decode relay request: expected %d fields, got %d", len(relayRequestArgs), len(values))
	}

	validUntil := values[7].(*big.Int)
	if !validUntil.IsUint64() {
		return nil, fmt.Errorf("could not decode relay request: validUntil %s overflows", validUntil)
	}

	return &RelayRequest{
		From:          values[0].(ethcommon.Address),
		To:            values[1].(ethcommon.Address),
		Data:          values[2].([]byte),
		Value:         values[3].(*big.Int),
		Paymaster:     values[4].(ethcommon.Address),
		PaymasterData: values[5].([]byte),
		Nonce:         values[6].(*big.Int),
		ValidUntil:    validUntil.Uint64(),
		RelayFees: RelayFees{
			PctRelayFee:      values[8].(*big.Int),
			BaseRelayFee:     values[9].(*big.Int),
			GasPrice:         values[10].(*big.Int),
			ExternalGasLimit: values[11].(*big.Int),
		},
	}, nil
}

// RelayCall is the decoded argument list of a hub relayCall transaction
type RelayCall struct {
	Request          *RelayRequest
	Signature        []byte
	ExternalGasLimit *big.Int
}

// PackRelayCall builds the calldata of a relayCall transaction
func PackRelayCall(signed *SignedRelayRequest, externalGasLimit *big.Int) ([]byte, error) {
	if signed == nil {
		return nil, ErrMissingRequest
	}
	encoded, err := EncodeRelayRequest(&signed.Request)
	if err != nil {
		return nil, err
	}
	return RelayHubABI.Pack("relayCall", encoded, nonNilBytes(signed.Signature), BigOrZero(externalGasLimit))
}

// UnpackRelayCall decodes relayCall calldata. It returns ErrInvalidCalldata
// when the data does not target relayCall.
func UnpackRelayCall(data []byte) (*RelayCall, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCalldata
	}
	method, err := RelayHubABI.MethodById(data[:4])
	if err != nil || method.Name != "relayCall" {
		return nil, ErrInvalidCalldata
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalldata, err)
	}

	request, err := DecodeRelayRequest(values[0].([]byte))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCalldata, err)
	}

	return &RelayCall{
		Request:          request,
		Signature:        values[1].([]byte),
		ExternalGasLimit: values[2].(*big.Int),
	}, nil
}

type transactionRelayedData struct {
	To        ethcommon.Address
	Paymaster ethcommon.Address
	Selector  [4]byte
	Status    uint8
	Charge    *big.Int
}

// DecodeTransactionRelayedLog parses a hub TransactionRelayed log entry
func DecodeTransactionRelayedLog(l *types.Log) (*TransactionRelayed, error) {
	event := RelayHubABI.Events["TransactionRelayed"]
	if len(l.Topics) != 4 || l.Topics[0] != event.ID {
		return nil, fmt.Errorf("log is not a TransactionRelayed event")
	}

	var data transactionRelayedData
	if err := RelayHubABI.UnpackIntoInterface(&data, "TransactionRelayed", l.Data); err != nil {
		return nil, err
	}

	return &TransactionRelayed{
		RelayManager: ethcommon.BytesToAddress(l.Topics[1].Bytes()),
		RelayWorker:  ethcommon.BytesToAddress(l.Topics[2].Bytes()),
		From:         ethcommon.BytesToAddress(l.Topics[3].Bytes()),
		To:           data.To,
		Paymaster:    data.Paymaster,
		Selector:     data.Selector[:],
		Status:       RelayCallStatus(data.Status),
		Charge:       data.Charge,
	}, nil
}

// CallSelector returns the first four bytes of the inner call data
func CallSelector(data []byte) []byte {
	selector := make([]byte, 4)
	copy(selector, data)
	return selector
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
