package server

import (
	"fmt"
	"net/http"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Router paths
const (
	pathGetAddr      = "/getaddr"
	pathRelay        = "/relay"
	pathTransaction  = "/relay/v1/transactions/{hash:0x[a-fA-F0-9]+}"
	pathSettlement   = "/relay/v1/settlements/{hash:0x[a-fA-F0-9]+}"
	pathPenalize     = "/relay/v1/penalize"
	pathStatus       = "/relay/v1/status"
	pathEvents       = "/relay/v1/events"
	pathMetrics      = "/metrics"
	settlementStream = "settlements"

	// Data API
	pathDataRelayed       = "/relay/v1/data/relayed_transactions"
	pathDataPenalizations = "/relay/v1/data/penalizations"
)

// PingResponse is what a relay advertises to clients before they build a request
type PingResponse struct {
	RelayWorkerAddress  ethcommon.Address    `json:"relayWorkerAddress"`
	RelayManagerAddress ethcommon.Address    `json:"relayManagerAddress"`
	RelayHubAddress     ethcommon.Address    `json:"relayHubAddress"`
	ChainID             string               `json:"chainId"`
	Fees                feepolicy.ConfigFile `json:"fees"`
	Ready               bool                 `json:"ready"`
	Version             string               `json:"version"`
}

// RelayMetadata binds a submission to the hub deployment the client expects
type RelayMetadata struct {
	RelayHubAddress ethcommon.Address `json:"relayHubAddress"`
	ChainID         uint64            `json:"chainId,string"`
}

// RelayTransactionRequest is the body of POST /relay
type RelayTransactionRequest struct {
	Request   common.RelayRequest `json:"relayRequest"`
	Signature hexutil.Bytes       `json:"signature"`
	Metadata  RelayMetadata       `json:"metadata"`
}

func (r *RelayTransactionRequest) Signed() *common.SignedRelayRequest {
	return &common.SignedRelayRequest{Request: r.Request, Signature: r.Signature}
}

// RelayTransactionResponse carries the signed outer transaction. Clients
// decode SignedTx to check what the relay broadcast on their behalf.
type RelayTransactionResponse struct {
	TxHash      ethcommon.Hash `json:"txHash"`
	RequestHash ethcommon.Hash `json:"requestHash"`
	SignedTx    hexutil.Bytes  `json:"signedTx"`
	WorkerNonce uint64         `json:"workerNonce,string"`
}

// PenalizeRequest is the body of POST /relay/v1/penalize
type PenalizeRequest struct {
	RawTx    hexutil.Bytes             `json:"rawTx"`
	Claimed  common.SignedRelayRequest `json:"claimed"`
	Reporter ethcommon.Address         `json:"reporter"`
}

// SettlementEvent is published on the settlements stream once a relayed
// transaction is mined
type SettlementEvent struct {
	RequestHash ethcommon.Hash       `json:"requestHash"`
	Receipt     *common.RelayReceipt `json:"receipt"`
}

// StatusResponse reports liveness and counters kept in Redis
type StatusResponse struct {
	Ready              bool              `json:"ready"`
	ChainURI           string            `json:"chainUri"`
	PendingSettlements int               `json:"pendingSettlements"`
	SettledTotal       uint64            `json:"settledTotal,string"`
	Stats              map[string]string `json:"stats,omitempty"`
}

// RejectionError is returned by CreateRelayTransaction when a request does not
// pass admission. Message is sent to the client verbatim.
type RejectionError struct {
	Status  int
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

func rejectf(format string, args ...any) *RejectionError {
	return &RejectionError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errChainUnavailable() *RejectionError {
	return &RejectionError{Status: http.StatusServiceUnavailable, Message: "chain unavailable"}
}
