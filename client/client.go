// Package client is a dapp-side relay client: it builds fee fields from what
// a relay advertises, signs requests, submits them and checks what the relay
// broadcast on the caller's behalf
package client

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/chainclient"
	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	"github.com/bloXroute-Labs/meta-tx-relay/server"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const userAgent server.UserAgent = "relay-client"

var (
	ErrMissingChain            = errors.New("no chain client")
	ErrRelayMismatch           = errors.New("relay serves a different hub or chain")
	ErrRelayNotReady           = errors.New("relay not ready")
	ErrGasLimitRequired        = errors.New("gas limit required in pctRelayFee mode")
	ErrUnsupportedFeeMode      = errors.New("unsupported fee mode")
	ErrInvalidRelayTransaction = errors.New("relay transaction does not match the signed request")
)

// RelayRejectedError is returned by Relay when the relay refuses a request.
// Message is the relay's reason verbatim.
type RelayRejectedError struct {
	Status  int
	Message string
}

func (e *RelayRejectedError) Error() string {
	return fmt.Sprintf("relay rejected request (%d): %s", e.Status, e.Message)
}

// Opts configures a RelayClient
type Opts struct {
	Log      *logrus.Entry
	RelayURL string
	Chain    chainclient.IChainClient
	// Domain is the hub deployment requests are signed for
	Domain common.Domain

	RequestTimeout    time.Duration
	PollInterval      time.Duration
	SettlementTimeout time.Duration
}

// RelayClient talks to one relay server and reads settlement from the chain
type RelayClient struct {
	log        *logrus.Entry
	relayURL   string
	httpClient http.Client
	chain      chainclient.IChainClient
	domain     common.Domain

	pollInterval      time.Duration
	settlementTimeout time.Duration
}

func NewRelayClient(opts Opts) (*RelayClient, error) {
	if opts.Chain == nil {
		return nil, ErrMissingChain
	}
	if opts.Domain.ChainID == nil {
		return nil, fmt.Errorf("%w: chain id not set", ErrRelayMismatch)
	}

	c := &RelayClient{
		log:      opts.Log.WithFields(logrus.Fields{"component": "relayClient", "relay": opts.RelayURL}),
		relayURL: strings.TrimRight(opts.RelayURL, "/"),
		httpClient: http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		chain:             opts.Chain,
		domain:            opts.Domain,
		pollInterval:      opts.PollInterval,
		settlementTimeout: opts.SettlementTimeout,
	}
	if c.httpClient.Timeout == 0 {
		c.httpClient.Timeout = 10 * time.Second
	}
	if c.pollInterval == 0 {
		c.pollInterval = time.Second
	}
	if c.settlementTimeout == 0 {
		c.settlementTimeout = 10 * time.Minute
	}
	return c, nil
}

// RelayInfo is what a relay advertises, with its fee config parsed
type RelayInfo struct {
	server.PingResponse
	FeeConfig *feepolicy.ServerFeeConfig
}

// GetRelayInfo fetches /getaddr and checks the relay serves our hub and chain
func (c *RelayClient) GetRelayInfo(ctx context.Context) (*RelayInfo, error) {
	ping := new(server.PingResponse)
	if _, err := server.SendHTTPRequest(ctx, c.httpClient, http.MethodGet, c.relayURL+"/getaddr", userAgent, nil, ping); err != nil {
		return nil, err
	}

	if ping.RelayHubAddress != c.domain.RelayHub || ping.ChainID != c.domain.ChainID.String() {
		return nil, fmt.Errorf("%w: relay hub %s on chain %s", ErrRelayMismatch, ping.RelayHubAddress.Hex(), ping.ChainID)
	}

	feeConfig, err := ping.Fees.Build()
	if err != nil {
		return nil, fmt.Errorf("relay advertises an invalid fee config: %w", err)
	}
	return &RelayInfo{PingResponse: *ping, FeeConfig: feeConfig}, nil
}

// RequestParams is the call a client wants relayed
type RequestParams struct {
	From          ethcommon.Address
	To            ethcommon.Address
	Data          []byte
	Value         *big.Int
	Paymaster     ethcommon.Address
	PaymasterData []byte
	ValidUntil    uint64

	// Bid is the offered baseRelayFee in bid mode; raised to the relay's minimum
	Bid *big.Int
	// GasLimit becomes externalGasLimit in pctRelayFee mode
	GasLimit uint64
}

// BuildRequest fills the fee fields for the relay's advertised mode and the
// sender nonce from the chain
func (c *RelayClient) BuildRequest(ctx context.Context, info *RelayInfo, params RequestParams) (*common.RelayRequest, error) {
	if !info.Ready {
		return nil, ErrRelayNotReady
	}

	fees, err := c.buildFees(ctx, info.FeeConfig, params)
	if err != nil {
		return nil, err
	}

	nonce, err := c.chain.SenderNonce(ctx, params.From)
	if err != nil {
		return nil, fmt.Errorf("could not get sender nonce: %w", err)
	}

	return &common.RelayRequest{
		From:          params.From,
		To:            params.To,
		Data:          params.Data,
		Value:         common.BigOrZero(params.Value),
		Paymaster:     params.Paymaster,
		PaymasterData: params.PaymasterData,
		Nonce:         nonce,
		ValidUntil:    params.ValidUntil,
		RelayFees:     fees,
	}, nil
}

func (c *RelayClient) buildFees(ctx context.Context, cfg *feepolicy.ServerFeeConfig, params RequestParams) (common.RelayFees, error) {
	switch p := cfg.Pricing().(type) {
	case feepolicy.FlatBid:
		return common.RelayFees{
			PctRelayFee:      new(big.Int),
			BaseRelayFee:     common.MaxBig(common.BigOrZero(params.Bid), p.MinBaseRelayFee()),
			GasPrice:         new(big.Int),
			ExternalGasLimit: new(big.Int),
		}, nil

	case feepolicy.Percentage:
		if params.GasLimit == 0 {
			return common.RelayFees{}, ErrGasLimitRequired
		}
		suggested, err := c.chain.SuggestGasPrice(ctx)
		if err != nil {
			return common.RelayFees{}, fmt.Errorf("could not get gas price: %w", err)
		}
		gasPrice := common.MaxBig(suggested, p.MinGasPrice())
		if p.MaxGasPrice().Sign() > 0 && gasPrice.Cmp(p.MaxGasPrice()) > 0 {
			gasPrice = p.MaxGasPrice()
		}
		return common.RelayFees{
			PctRelayFee:      p.MinPctRelayFee(),
			BaseRelayFee:     p.MinBaseRelayFee(),
			GasPrice:         gasPrice,
			ExternalGasLimit: new(big.Int).SetUint64(params.GasLimit),
		}, nil

	default:
		return common.RelayFees{}, fmt.Errorf("%w: %s", ErrUnsupportedFeeMode, cfg.Mode())
	}
}

// SignRequest signs req for the client's hub domain
func (c *RelayClient) SignRequest(req *common.RelayRequest, key *ecdsa.PrivateKey) (*common.SignedRelayRequest, error) {
	return common.SignRelayRequest(req, c.domain, key)
}

// Relay submits signed and checks the returned transaction. When the check
// fails the response is returned along with ErrInvalidRelayTransaction so the
// caller can report it.
func (c *RelayClient) Relay(ctx context.Context, signed *common.SignedRelayRequest) (*server.RelayTransactionResponse, error) {
	payload := server.RelayTransactionRequest{
		Request:   signed.Request,
		Signature: signed.Signature,
		Metadata: server.RelayMetadata{
			RelayHubAddress: c.domain.RelayHub,
			ChainID:         c.domain.ChainID.Uint64(),
		},
	}

	resp := new(server.RelayTransactionResponse)
	if err := c.post(ctx, "/relay", payload, resp); err != nil {
		return nil, err
	}

	if err := c.checkRelayTransaction(signed, resp); err != nil {
		c.log.WithError(err).WithField("txHash", resp.TxHash.Hex()).Warn("relay broadcast a transaction that does not match the request")
		return resp, err
	}
	return resp, nil
}

func (c *RelayClient) checkRelayTransaction(signed *common.SignedRelayRequest, resp *server.RelayTransactionResponse) error {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(resp.SignedTx); err != nil {
		return fmt.Errorf("%w: undecodable transaction: %v", ErrInvalidRelayTransaction, err)
	}
	if tx.Hash() != resp.TxHash {
		return fmt.Errorf("%w: hash %s does not match %s", ErrInvalidRelayTransaction, tx.Hash().Hex(), resp.TxHash.Hex())
	}
	if tx.To() == nil || *tx.To() != c.domain.RelayHub {
		return fmt.Errorf("%w: not sent to the relay hub", ErrInvalidRelayTransaction)
	}

	call, err := common.UnpackRelayCall(tx.Data())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRelayTransaction, err)
	}
	if !call.Request.Equal(&signed.Request) {
		return fmt.Errorf("%w: embedded request differs", ErrInvalidRelayTransaction)
	}
	limit := common.BigOrZero(signed.Request.ExternalGasLimit)
	if common.BigOrZero(call.ExternalGasLimit).Cmp(limit) != 0 {
		return fmt.Errorf("%w: declared externalGasLimit %s, signed %s", ErrInvalidRelayTransaction, call.ExternalGasLimit, limit)
	}
	if limit.Sign() != 0 && new(big.Int).SetUint64(tx.Gas()).Cmp(limit) != 0 {
		return fmt.Errorf("%w: gas limit %d, signed externalGasLimit %s", ErrInvalidRelayTransaction, tx.Gas(), limit)
	}
	return nil
}

// ReportMisbehaviour submits a relay transaction and the request it was
// supposed to carry to the relay's penalize endpoint
func (c *RelayClient) ReportMisbehaviour(ctx context.Context, rawTx []byte, claimed *common.SignedRelayRequest, reporter ethcommon.Address) (*Verdict, error) {
	verdict := new(Verdict)
	err := c.post(ctx, "/relay/v1/penalize", server.PenalizeRequest{RawTx: rawTx, Claimed: *claimed, Reporter: reporter}, verdict)
	return verdict, err
}

// Verdict is the decoded penalization result
type Verdict struct {
	Outcome     string         `json:"outcome"`
	Reason      string         `json:"reason"`
	Fingerprint ethcommon.Hash `json:"fingerprint"`
	Slashed     *big.Int       `json:"slashed"`
	Bounty      *big.Int       `json:"bounty"`
}

func (v *Verdict) IsSlashed() bool {
	return v.Outcome == penalizer.Slashed.String()
}

// post sends payload as JSON and decodes a 200 response into dst. Any other
// status is returned as *RelayRejectedError.
func (c *RelayClient) post(ctx context.Context, path string, payload, dst any) error {
	_, err := server.SendHTTPRequest(ctx, c.httpClient, http.MethodPost, c.relayURL+path, userAgent, payload, dst)
	var httpErr *server.HTTPError
	if errors.As(err, &httpErr) {
		return &RelayRejectedError{Status: httpErr.Code, Message: httpErr.Message}
	}
	return err
}
