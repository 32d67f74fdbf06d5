package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bloXroute-Labs/meta-tx-relay/chainclient"
	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/database"
	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMinBid = 1000000000000

var testLog = common.TestLog

type testBackend struct {
	relay     *RelayService
	router    http.Handler
	network   *chainclient.TestNetwork
	redis     *miniredis.Miniredis
	clientKey *ecdsa.PrivateKey
	client    ethcommon.Address
}

func bidModeConfig(t *testing.T) *feepolicy.ServerFeeConfig {
	t.Helper()
	cfg, err := feepolicy.NewFlatBidConfig(big.NewInt(testMinBid))
	require.NoError(t, err)
	return cfg
}

func percentageModeConfig(t *testing.T) *feepolicy.ServerFeeConfig {
	t.Helper()
	cfg, err := feepolicy.NewPercentageConfig(feepolicy.PercentageParams{
		MinPctRelayFee: big.NewInt(10),
		MinGasPrice:    big.NewInt(1000000000),
	})
	require.NoError(t, err)
	return cfg
}

// newTestBackend starts a relay in front of a funded simulated network
func newTestBackend(t *testing.T, feeConfig *feepolicy.ServerFeeConfig) *testBackend {
	t.Helper()
	return newTestBackendWithDB(t, feeConfig, nil)
}

func newTestBackendWithDB(t *testing.T, feeConfig *feepolicy.ServerFeeConfig, db database.IDatabaseService) *testBackend {
	t.Helper()

	network, err := chainclient.NewTestNetwork(feeConfig.Mode())
	require.NoError(t, err)

	redisTestServer, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(redisTestServer.Close)

	relay, err := NewRelayService(RelayServiceOpts{
		Log:                    testLog,
		ListenAddr:             "localhost:12345",
		Chain:                  network.Chain,
		HubAddress:             chainclient.TestHubAddress,
		ChainID:                chainclient.TestChainID,
		FeeConfig:              feeConfig,
		WorkerKey:              network.WorkerKey,
		RelayManager:           network.Manager,
		SettlementPollInterval: 5 * time.Millisecond,
		SettlementTimeout:      5 * time.Second,
		RateLimitPerSecond:     1000,
		RedisURI:               redisTestServer.Addr(),
		RedisPoolSize:          10,
		DB:                     db,
		Version:                "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, relay.Stop(context.Background()))
	})

	be := &testBackend{
		relay:   relay,
		router:  relay.getRouter(),
		network: network,
		redis:   redisTestServer,
	}
	be.clientKey, be.client = common.GenerateRandomKey()
	return be
}

func (be *testBackend) request(t *testing.T, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	rr := httptest.NewRecorder()
	be.router.ServeHTTP(rr, req)
	return rr
}

// sign builds the POST /relay body for req signed by key
func (be *testBackend) sign(t *testing.T, key *ecdsa.PrivateKey, req *common.RelayRequest) *RelayTransactionRequest {
	t.Helper()
	signed, err := common.SignRelayRequest(req, be.relay.domain, key)
	require.NoError(t, err)
	return &RelayTransactionRequest{
		Request:   signed.Request,
		Signature: signed.Signature,
		Metadata: RelayMetadata{
			RelayHubAddress: chainclient.TestHubAddress,
			ChainID:         chainclient.TestChainID.Uint64(),
		},
	}
}

func (be *testBackend) bidRequest(bid int64) *common.RelayRequest {
	return common.NewTestRelayRequest(be.client, be.network.Paymaster, bid)
}

func (be *testBackend) percentageRequest() *common.RelayRequest {
	req := common.NewTestRelayRequest(be.client, be.network.Paymaster, 0)
	req.PctRelayFee = big.NewInt(10)
	req.GasPrice = big.NewInt(1000000000)
	req.ExternalGasLimit = big.NewInt(100000)
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) common.HTTPErrorResp {
	t.Helper()
	var resp common.HTTPErrorResp
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp
}

func decodeRelayResponse(t *testing.T, rr *httptest.ResponseRecorder) *RelayTransactionResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := new(RelayTransactionResponse)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), resp))
	return resp
}

func TestNewRelayServiceValidation(t *testing.T) {
	network, err := chainclient.NewTestNetwork(common.FeeModeFlatBid)
	require.NoError(t, err)

	_, err = NewRelayService(RelayServiceOpts{Log: testLog, FeeConfig: bidModeConfig(t), WorkerKey: network.WorkerKey, ChainID: chainclient.TestChainID})
	require.ErrorIs(t, err, errMissingChain)

	_, err = NewRelayService(RelayServiceOpts{Log: testLog, Chain: network.Chain, WorkerKey: network.WorkerKey, ChainID: chainclient.TestChainID})
	require.ErrorIs(t, err, errMissingFeeConfig)

	_, err = NewRelayService(RelayServiceOpts{Log: testLog, Chain: network.Chain, FeeConfig: bidModeConfig(t), ChainID: chainclient.TestChainID})
	require.ErrorIs(t, err, errMissingWorkerKey)

	redisTestServer, err := miniredis.Run()
	require.NoError(t, err)
	defer redisTestServer.Close()

	_, err = NewRelayService(RelayServiceOpts{
		Log:        testLog,
		Chain:      network.Chain,
		FeeConfig:  bidModeConfig(t),
		WorkerKey:  network.WorkerKey,
		ChainID:    big.NewInt(1),
		HubAddress: chainclient.TestHubAddress,
		RedisURI:   redisTestServer.Addr(),
	})
	require.ErrorIs(t, err, errWrongChain)
}

func TestHandleGetAddr(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	rr := be.request(t, http.MethodGet, pathGetAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp PingResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Ready)
	require.Equal(t, be.network.Worker, resp.RelayWorkerAddress)
	require.Equal(t, be.network.Manager, resp.RelayManagerAddress)
	require.Equal(t, chainclient.TestHubAddress, resp.RelayHubAddress)
	require.Equal(t, "1337", resp.ChainID)
	require.Equal(t, common.FeeModeFlatBid, resp.Fees.Mode)
	require.Equal(t, "1000000000000", resp.Fees.MinBaseRelayFee)
	require.Equal(t, "test", resp.Version)
}

func TestRelayBidTooLow(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(7777)))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t,
		"bid too low: proposed 7777. Refusing to relay a transaction in a baseRelayFeeBidMode. Proposed baseRelayFee: 7777, minimum baseRelayFee: 1000000000000",
		decodeError(t, rr).Message)
	require.Equal(t, 0, be.network.Chain.PendingCount())
}

func TestRelayBidModeForbiddenFields(t *testing.T) {
	testCases := []struct {
		field string
		set   func(r *common.RelayRequest)
	}{
		{feepolicy.FieldPctRelayFee, func(r *common.RelayRequest) { r.PctRelayFee = big.NewInt(7777) }},
		{feepolicy.FieldGasPrice, func(r *common.RelayRequest) { r.GasPrice = big.NewInt(7777) }},
		{feepolicy.FieldExternalGasLimit, func(r *common.RelayRequest) { r.ExternalGasLimit = big.NewInt(7777) }},
	}

	for _, tc := range testCases {
		t.Run(tc.field, func(t *testing.T) {
			be := newTestBackend(t, bidModeConfig(t))
			req := be.bidRequest(testMinBid)
			tc.set(req)

			rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, req))
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.Equal(t,
				fmt.Sprintf("%s forbidden in bid mode. This server is running in a baseRelayFee bid mode, setting %s is forbidden!", tc.field, tc.field),
				decodeError(t, rr).Message)
		})
	}
}

func TestRelayBidModeSettles(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	resp := decodeRelayResponse(t, be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(testMinBid))))
	require.Equal(t, uint64(0), resp.WorkerNonce)

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(resp.SignedTx))
	require.Equal(t, resp.TxHash, tx.Hash())
	require.Equal(t, uint64(defaultRelayTxGasLimit), tx.Gas())
	require.Equal(t, chainclient.TestHubAddress, *tx.To())

	call, err := common.UnpackRelayCall(tx.Data())
	require.NoError(t, err)
	require.Equal(t, 0, call.ExternalGasLimit.Sign())

	rr := be.request(t, http.MethodGet, "/relay/v1/transactions/"+resp.TxHash.Hex(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = be.request(t, http.MethodGet, "/relay/v1/settlements/"+resp.TxHash.Hex(), nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	be.network.Chain.Mine()

	var receipt common.RelayReceipt
	require.Eventually(t, func() bool {
		rr := be.request(t, http.MethodGet, "/relay/v1/settlements/"+resp.TxHash.Hex(), nil)
		if rr.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(rr.Body.Bytes(), &receipt) == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.False(t, receipt.Reverted, receipt.RevertReason)
	require.NotNil(t, receipt.Event)
	require.Equal(t, common.RelayCallOK, receipt.Event.Status)
	require.Equal(t, big.NewInt(testMinBid).String(), receipt.Event.Charge.String())
	require.Equal(t, be.network.Worker, receipt.Event.RelayWorker)

	expectedDeposit := new(big.Int).Sub(chainclient.TestOneEth, big.NewInt(testMinBid))
	require.Equal(t, expectedDeposit.String(), be.network.Hub.BalanceOf(be.network.Paymaster).String())

	calls := be.network.Hooks.Calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		require.Equal(t, 0, call.Gas.Sign(), call.Hook)
	}
}

func TestRelayPercentageMode(t *testing.T) {
	be := newTestBackend(t, percentageModeConfig(t))

	resp := decodeRelayResponse(t, be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.percentageRequest())))

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(resp.SignedTx))
	require.Equal(t, uint64(100000), tx.Gas())
	require.Equal(t, "1000000000", tx.GasPrice().String())

	call, err := common.UnpackRelayCall(tx.Data())
	require.NoError(t, err)
	require.Equal(t, "100000", call.ExternalGasLimit.String())

	req := be.percentageRequest()
	req.PctRelayFee = big.NewInt(1)
	rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, req))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Unacceptable pctRelayFee: 1 relayServer's pctRelayFee: 10", decodeError(t, rr).Message)
}

func TestRelayIdempotentResubmission(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))
	payload := be.sign(t, be.clientKey, be.bidRequest(testMinBid))

	first := decodeRelayResponse(t, be.request(t, http.MethodPost, pathRelay, payload))
	second := decodeRelayResponse(t, be.request(t, http.MethodPost, pathRelay, payload))

	require.Equal(t, first.TxHash, second.TxHash)
	require.Equal(t, first.WorkerNonce, second.WorkerNonce)
	require.Equal(t, 1, be.network.Chain.PendingCount())
}

func TestRelayConcurrentWorkerNonces(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))
	const numRequests = 8

	payloads := make([]*RelayTransactionRequest, numRequests)
	for i := range payloads {
		key, from := common.GenerateRandomKey()
		payloads[i] = be.sign(t, key, common.NewTestRelayRequest(from, be.network.Paymaster, testMinBid))
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		nonces []uint64
	)
	for _, payload := range payloads {
		wg.Add(1)
		go func(payload *RelayTransactionRequest) {
			defer wg.Done()
			rr := be.request(t, http.MethodPost, pathRelay, payload)
			if !assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String()) {
				return
			}
			var resp RelayTransactionResponse
			if assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp)) {
				mu.Lock()
				nonces = append(nonces, resp.WorkerNonce)
				mu.Unlock()
			}
		}(payload)
	}
	wg.Wait()

	require.Len(t, nonces, numRequests)
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	for i, nonce := range nonces {
		require.Equal(t, uint64(i), nonce)
	}
	require.Equal(t, numRequests, be.network.Chain.PendingCount())
}

func TestRelayRejections(t *testing.T) {
	testCases := []struct {
		name    string
		payload func(t *testing.T, be *testBackend) *RelayTransactionRequest
		message string
	}{
		{
			name: "nonce out of range",
			payload: func(t *testing.T, be *testBackend) *RelayTransactionRequest {
				req := be.bidRequest(testMinBid)
				req.Nonce = big.NewInt(9)
				return be.sign(t, be.clientKey, req)
			},
			message: "Unacceptable nonce: 9, expected between 0 and 5",
		},
		{
			name: "signed by someone else",
			payload: func(t *testing.T, be *testBackend) *RelayTransactionRequest {
				otherKey, _ := common.GenerateRandomKey()
				return be.sign(t, otherKey, be.bidRequest(testMinBid))
			},
			message: "invalid signature",
		},
		{
			name: "expired",
			payload: func(t *testing.T, be *testBackend) *RelayTransactionRequest {
				req := be.bidRequest(testMinBid)
				req.ValidUntil = uint64(time.Now().Add(-time.Minute).Unix())
				return be.sign(t, be.clientKey, req)
			},
			message: "request expired",
		},
		{
			name: "paymaster without deposit",
			payload: func(t *testing.T, be *testBackend) *RelayTransactionRequest {
				req := be.bidRequest(testMinBid)
				req.Paymaster = ethcommon.HexToAddress("0x0000000000000000000000000000000000000005")
				return be.sign(t, be.clientKey, req)
			},
			message: "insufficient paymaster deposit: required 1000000000000, available 0",
		},
		{
			name: "wrong hub",
			payload: func(t *testing.T, be *testBackend) *RelayTransactionRequest {
				payload := be.sign(t, be.clientKey, be.bidRequest(testMinBid))
				payload.Metadata.RelayHubAddress = ethcommon.HexToAddress("0x0000000000000000000000000000000000000bad")
				return payload
			},
			message: "wrong relay hub",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			be := newTestBackend(t, bidModeConfig(t))
			rr := be.request(t, http.MethodPost, pathRelay, tc.payload(t, be))
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.True(t, strings.HasPrefix(decodeError(t, rr).Message, tc.message), rr.Body.String())
			require.Equal(t, 0, be.network.Chain.PendingCount())
		})
	}
}

func TestRelaySolvencyMargin(t *testing.T) {
	be := newTestBackend(t, percentageModeConfig(t))

	// covers the signed gas price but not the 10% margin on top of it
	paymaster := ethcommon.HexToAddress("0x0000000000000000000000000000000000000006")
	require.NoError(t, be.network.Hub.DepositFor(be.network.Owner, paymaster, big.NewInt(110000000000000)))

	req := be.percentageRequest()
	req.Paymaster = paymaster
	rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, req))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "insufficient paymaster deposit: required 121000000000000, available 110000000000000", decodeError(t, rr).Message)
	require.Equal(t, 0, be.network.Chain.PendingCount())
}

func TestRelayMalformedBody(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	req := httptest.NewRequest(http.MethodPost, pathRelay, strings.NewReader(`{"relayRequest": {}, "unknown": 1}`))
	rr := httptest.NewRecorder()
	be.router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decodeError(t, rr).Message, "invalid relay request")
}

func TestRelayChainUnavailable(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))
	be.network.Chain.SetAvailable(false)

	rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(testMinBid)))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "chain unavailable", decodeError(t, rr).Message)

	rr = be.request(t, http.MethodGet, pathStatus, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	be.network.Chain.SetAvailable(true)
	rr = be.request(t, http.MethodGet, pathGetAddr, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = be.request(t, http.MethodGet, pathStatus, nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleStatus(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	decodeRelayResponse(t, be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(testMinBid))))
	rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(7777)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = be.request(t, http.MethodGet, pathStatus, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.True(t, status.Ready)
	require.Equal(t, "1", status.Stats["relayed"])
	require.Equal(t, "1", status.Stats["rejected"])
}

func TestHandleGetTransactionNotFound(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	hash := common.GenerateRandomEthHash()
	rr := be.request(t, http.MethodGet, "/relay/v1/transactions/"+hash.Hex(), nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "relayed transaction not found", decodeError(t, rr).Message)

	rr = be.request(t, http.MethodGet, "/relay/v1/settlements/"+hash.Hex(), nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "settlement not found", decodeError(t, rr).Message)
}

type verdictResponse struct {
	Outcome string   `json:"outcome"`
	Reason  string   `json:"reason"`
	Bounty  *big.Int `json:"bounty"`
}

func TestHandlePenalize(t *testing.T) {
	be := newTestBackend(t, percentageModeConfig(t))
	reporter := ethcommon.HexToAddress("0x0000000000000000000000000000000000000099")

	signed, err := common.SignRelayRequest(be.percentageRequest(), be.relay.domain, be.clientKey)
	require.NoError(t, err)
	data, err := common.PackRelayCall(signed, signed.Request.ExternalGasLimit)
	require.NoError(t, err)

	hub := chainclient.TestHubAddress
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &hub,
		Gas:      90000,
		GasPrice: big.NewInt(1000000000),
		Data:     data,
	}), types.LatestSignerForChainID(chainclient.TestChainID), be.network.WorkerKey)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	evidence := PenalizeRequest{RawTx: raw, Claimed: *signed, Reporter: reporter}

	rr := be.request(t, http.MethodPost, pathPenalize, evidence)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var verdict verdictResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &verdict))
	require.Equal(t, penalizer.Slashed.String(), verdict.Outcome)
	require.Equal(t, penalizer.ReasonTxGasLimit, verdict.Reason)
	require.Equal(t, 1, verdict.Bounty.Sign())
	require.Equal(t, verdict.Bounty.String(), be.network.Hub.NativeBalance(reporter).String())

	rr = be.request(t, http.MethodPost, pathPenalize, evidence)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &verdict))
	require.Equal(t, penalizer.Clean.String(), verdict.Outcome)
	require.Equal(t, penalizer.ReasonAlreadyAdjudicated, verdict.Reason)

	rr = be.request(t, http.MethodPost, pathPenalize, PenalizeRequest{RawTx: []byte{0x01}, Claimed: *signed, Reporter: reporter})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleMetrics(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(7777)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = be.request(t, http.MethodGet, pathMetrics, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, `meta_tx_relay_relay_rejections_total{gate="fees"} 1`)
	require.Contains(t, body, `meta_tx_relay_relay_requests_total{result="rejected"} 1`)
	require.Contains(t, body, "meta_tx_relay_pending_settlements 0")
}

func TestPerformanceStatsRecorded(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	decodeRelayResponse(t, be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(testMinBid))))
	rr := be.request(t, http.MethodPost, pathRelay, be.sign(t, be.clientKey, be.bidRequest(7777)))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	record := be.relay.performanceStats.CloseInterval(time.Now())
	require.Equal(t, 1, record.EndpointsStats[pathRelay].CountSuccesses)
	require.Equal(t, 1, record.EndpointsStats[pathRelay].CountFails)

	activity, ok := be.relay.clientActivity.Load().Get("192.0.2.1")
	require.True(t, ok)
	count, _ := activity.Senders.Get(be.client.Hex())
	require.Equal(t, 2, count)
}

func TestTrackSettlementAfterStop(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))
	be.relay.cancel()

	be.relay.trackSettlement(&common.RelayedTransaction{
		TxHash:      common.GenerateRandomEthHash(),
		RequestHash: common.GenerateRandomEthHash(),
	})
	require.Equal(t, 0, be.relay.pendingSettlements.Len())

	done := make(chan struct{})
	go func() {
		be.relay.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("settlement watcher started after stop")
	}
}
