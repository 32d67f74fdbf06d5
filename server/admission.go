package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/chainclient"
	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/datastore"
	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Admission gates, in the order they run
const (
	gateStructural = "structural"
	gateSignature  = "signature"
	gateNonce      = "nonce"
	gateFees       = "fees"
	gateSolvency   = "solvency"
	gateResources  = "resources"
	gateBroadcast  = "broadcast"
)

// txPlan is the shape of the outer transaction for one request
type txPlan struct {
	gasLimit         uint64
	gasPrice         *big.Int
	externalGasLimit *big.Int
}

func (p *txPlan) cost() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(p.gasLimit), p.gasPrice)
}

// CreateRelayTransaction runs the admission gates on req and, if all pass,
// broadcasts a hub transaction paid by the relay worker. Gate failures are
// returned as *RejectionError.
func (m *RelayService) CreateRelayTransaction(ctx context.Context, req *RelayTransactionRequest) (*RelayTransactionResponse, error) {
	ctx, span := m.tracer.Start(ctx, "CreateRelayTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		m.metrics.admissionDuration.Observe(time.Since(start).Seconds())
	}()

	if req == nil {
		return nil, m.reject(ctx, m.log, gateStructural, rejectf("empty relay request"))
	}
	r := &req.Request
	log := m.log.WithFields(logrus.Fields{
		"from":      r.From.Hex(),
		"paymaster": r.Paymaster.Hex(),
		"nonce":     common.BigOrZero(r.Nonce).String(),
	})

	if rej := m.checkStructure(req); rej != nil {
		return nil, m.reject(ctx, log, gateStructural, rej)
	}

	requestHash, err := r.Hash(m.domain)
	if err != nil {
		return nil, m.reject(ctx, log, gateStructural, rejectf("invalid relay request: %v", err))
	}
	key := idempotencyKey(requestHash, req.Signature)
	if cached, ok := m.recentRelays.Get(key); ok {
		log.WithField("txHash", cached.TxHash.Hex()).Debug("request already relayed")
		return cached, nil
	}

	signed := req.Signed()
	if err := signed.VerifySignature(m.domain); err != nil {
		return nil, m.reject(ctx, log, gateSignature, rejectf("invalid signature"))
	}

	if rej := m.checkSenderNonce(ctx, r); rej != nil {
		return nil, m.reject(ctx, log, gateNonce, rej)
	}

	if rej := feepolicy.Validate(m.feeConfig, r.RelayFees); rej != nil {
		return nil, m.reject(ctx, log.WithField("field", rej.Field), gateFees, rejectf("%s", rej.Reason))
	}

	if rej := m.checkSolvency(ctx, r); rej != nil {
		return nil, m.reject(ctx, log, gateSolvency, rej)
	}

	plan, rej := m.planTransaction(ctx, r)
	if rej != nil {
		return nil, m.reject(ctx, log, gateResources, rej)
	}
	if rej := m.checkResources(ctx, plan); rej != nil {
		return nil, m.reject(ctx, log, gateResources, rej)
	}

	resp, rej := m.broadcast(ctx, log, signed, requestHash, key, plan)
	if rej != nil {
		return nil, m.reject(ctx, log, gateBroadcast, rej)
	}

	m.metrics.requests.WithLabelValues("accepted").Inc()
	m.datastore.IncStats(ctx, datastore.RedisStatsFieldRelayed)
	return resp, nil
}

func (m *RelayService) reject(ctx context.Context, log *logrus.Entry, gate string, rej *RejectionError) *RejectionError {
	result := "rejected"
	if rej.Status >= http.StatusInternalServerError {
		result = "failed"
	}
	m.metrics.requests.WithLabelValues(result).Inc()
	m.metrics.rejections.WithLabelValues(gate).Inc()
	m.datastore.IncStats(ctx, datastore.RedisStatsFieldRejected)

	log.WithFields(logrus.Fields{
		"gate":   gate,
		"status": rej.Status,
		"reason": rej.Message,
	}).Info("relay request refused")
	return rej
}

// idempotencyKey identifies one signed request. Two submissions with the same
// request but a different signature encoding are treated as distinct.
func idempotencyKey(requestHash ethcommon.Hash, signature []byte) ethcommon.Hash {
	return crypto.Keccak256Hash(requestHash.Bytes(), signature)
}

func (m *RelayService) checkStructure(req *RelayTransactionRequest) *RejectionError {
	if req.Metadata.RelayHubAddress != m.domain.RelayHub {
		return rejectf("wrong relay hub: expected %s, got %s", m.domain.RelayHub.Hex(), req.Metadata.RelayHubAddress.Hex())
	}
	if new(big.Int).SetUint64(req.Metadata.ChainID).Cmp(m.domain.ChainID) != 0 {
		return rejectf("wrong chain id: expected %s, got %d", m.domain.ChainID, req.Metadata.ChainID)
	}
	if req.Request.ValidUntil != 0 && req.Request.ValidUntil <= uint64(m.clock().Unix()) {
		return rejectf("request expired")
	}
	if req.Request.Paymaster == (ethcommon.Address{}) {
		return rejectf("paymaster address required")
	}
	return nil
}

func (m *RelayService) checkSenderNonce(ctx context.Context, r *common.RelayRequest) *RejectionError {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	onChain, err := m.chain.SenderNonce(ctx, r.From)
	if err != nil {
		return m.chainFailure(err)
	}
	upper := new(big.Int).Add(onChain, new(big.Int).SetUint64(m.nonceLookahead))
	nonce := common.BigOrZero(r.Nonce)
	if nonce.Cmp(onChain) < 0 || nonce.Cmp(upper) > 0 {
		return rejectf("Unacceptable nonce: %s, expected between %s and %s", nonce, onChain, upper)
	}
	return nil
}

func (m *RelayService) checkSolvency(ctx context.Context, r *common.RelayRequest) *RejectionError {
	required := feepolicy.WorstCaseCharge(m.feeConfig.Mode(), r.RelayFees, m.depositMargin)

	deposit, cached, err := m.paymasterDeposit(ctx, r.Paymaster, false)
	if err != nil {
		return m.chainFailure(err)
	}
	if required.Cmp(deposit) > 0 && cached {
		// the paymaster may have topped up since the value was cached
		if deposit, _, err = m.paymasterDeposit(ctx, r.Paymaster, true); err != nil {
			return m.chainFailure(err)
		}
	}
	if required.Cmp(deposit) > 0 {
		return rejectf("insufficient paymaster deposit: required %s, available %s", required, deposit)
	}
	return nil
}

// paymasterDeposit returns the hub deposit of paymaster and whether it came
// from the cache
func (m *RelayService) paymasterDeposit(ctx context.Context, paymaster ethcommon.Address, refresh bool) (*big.Int, bool, error) {
	key := paymaster.Hex()
	if !refresh {
		if v, found := m.depositCache.Get(key); found {
			return new(big.Int).Set(v.(*big.Int)), true, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	deposit, err := m.chain.PaymasterDeposit(ctx, paymaster)
	if err != nil {
		return nil, false, err
	}
	m.depositCache.Set(key, new(big.Int).Set(deposit), cache.DefaultExpiration)
	return deposit, false, nil
}

func (m *RelayService) planTransaction(ctx context.Context, r *common.RelayRequest) (*txPlan, *RejectionError) {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	suggested, err := m.chain.SuggestGasPrice(ctx)
	if err != nil {
		return nil, m.chainFailure(err)
	}

	fees := r.RelayFees.Normalized()
	switch m.feeConfig.Mode() {
	case common.FeeModeFlatBid:
		return &txPlan{
			gasLimit:         m.relayTxGasLimit,
			gasPrice:         suggested,
			externalGasLimit: new(big.Int),
		}, nil
	case common.FeeModePercentage:
		if !fees.ExternalGasLimit.IsUint64() {
			return nil, rejectf("externalGasLimit too large: %s", fees.ExternalGasLimit)
		}
		return &txPlan{
			gasLimit:         fees.ExternalGasLimit.Uint64(),
			gasPrice:         common.MaxBig(fees.GasPrice, suggested),
			externalGasLimit: fees.ExternalGasLimit,
		}, nil
	default:
		return nil, rejectf("unsupported fee mode: %s", m.feeConfig.Mode())
	}
}

func (m *RelayService) checkResources(ctx context.Context, plan *txPlan) *RejectionError {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	staked, err := m.chain.IsRelayManagerStaked(ctx, m.relayManager)
	if err != nil {
		return m.chainFailure(err)
	}
	if !staked {
		m.ready.Store(false)
		return rejectf("relay manager not staked")
	}

	balance, err := m.chain.BalanceAt(ctx, m.workerAddress)
	if err != nil {
		return m.chainFailure(err)
	}
	if required := plan.cost(); balance.Cmp(required) < 0 {
		return rejectf("insufficient relay worker balance: required %s, available %s", required, balance)
	}
	return nil
}

// chainFailure maps a chain read error to a 503. Admission is not retried
// here; the client decides whether to resubmit.
func (m *RelayService) chainFailure(err error) *RejectionError {
	m.log.WithError(err).Warn("chain request failed")
	m.ready.Store(false)
	return errChainUnavailable()
}

// broadcast builds, signs and sends the outer transaction. The worker lock is
// held from nonce lookup until the nonce is advanced, so concurrent requests
// never share a worker nonce.
func (m *RelayService) broadcast(ctx context.Context, log *logrus.Entry, signed *common.SignedRelayRequest, requestHash, key ethcommon.Hash, plan *txPlan) (*RelayTransactionResponse, *RejectionError) {
	ctx, span := m.tracer.Start(ctx, "broadcast")
	defer span.End()

	workerKey := m.workerAddress.Hex()
	lock, _ := m.workerLocks.LoadOrStore(workerKey, &sync.Mutex{})
	lock.Lock()
	defer lock.Unlock()

	// an identical request may have been broadcast while we waited
	if cached, ok := m.recentRelays.Get(key); ok {
		return cached, nil
	}

	nonce, err := m.nextWorkerNonce(ctx)
	if err != nil {
		return nil, m.chainFailure(err)
	}

	data, err := common.PackRelayCall(signed, plan.externalGasLimit)
	if err != nil {
		return nil, rejectf("could not encode relay call: %v", err)
	}

	if m.simulator != nil {
		if err := m.simulator.SimulateRelayCall(ctx, m.workerAddress, data, plan.gasLimit); errors.Is(err, chainclient.ErrSimulationFailed) {
			return nil, rejectf("%s", err.Error())
		} else if err != nil {
			return nil, m.chainFailure(err)
		}
	}

	hub := m.domain.RelayHub
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &hub,
		Gas:      plan.gasLimit,
		GasPrice: plan.gasPrice,
		Data:     data,
	}), m.signer, m.workerKey)
	if err != nil {
		return nil, &RejectionError{Status: http.StatusInternalServerError, Message: "could not sign relay transaction: " + err.Error()}
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, &RejectionError{Status: http.StatusInternalServerError, Message: "could not encode relay transaction: " + err.Error()}
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	err = m.chain.SendTransaction(sendCtx, tx)
	cancel()
	if chainclient.IsTransient(err) {
		return nil, m.chainFailure(err)
	} else if err != nil {
		log.WithError(err).WithField("workerNonce", nonce).Error("node refused relay transaction")
		return nil, &RejectionError{Status: http.StatusInternalServerError, Message: "failed to broadcast relay transaction: " + err.Error()}
	}
	m.workerNonces.Store(workerKey, nonce+1)

	record := &common.RelayedTransaction{
		TxHash:       tx.Hash(),
		RequestHash:  requestHash,
		RelayWorker:  m.workerAddress,
		RelayManager: m.relayManager,
		WorkerNonce:  nonce,
		FeeMode:      m.feeConfig.Mode(),
		TxGasLimit:   plan.gasLimit,
		TxGasPrice:   plan.gasPrice,
		Signed:       *signed,
		RawTx:        raw,
		SubmittedAt:  m.clock().UnixMilli(),
	}
	if err := m.datastore.SaveRelayedTransaction(ctx, record); err != nil {
		// the transaction is out, so the client still gets its hash
		log.WithError(err).WithField("txHash", record.TxHash.Hex()).Error("could not save relayed transaction")
	}

	resp := &RelayTransactionResponse{
		TxHash:      record.TxHash,
		RequestHash: requestHash,
		SignedTx:    raw,
		WorkerNonce: nonce,
	}
	m.recentRelays.Add(key, resp)
	m.trackSettlement(record)

	log.WithFields(logrus.Fields{
		"txHash":      record.TxHash.Hex(),
		"workerNonce": nonce,
		"gasLimit":    plan.gasLimit,
		"gasPrice":    plan.gasPrice.String(),
	}).Info("relay transaction broadcast")
	return resp, nil
}

// nextWorkerNonce is the highest of the nonce this process advanced to, the
// one stored in Redis and the node's pending nonce
func (m *RelayService) nextWorkerNonce(ctx context.Context) (uint64, error) {
	nonce, _ := m.workerNonces.Load(m.workerAddress.Hex())

	stored, found, err := m.datastore.WorkerNonce(ctx, m.workerAddress)
	if err != nil {
		m.log.WithError(err).Warn("could not read worker nonce from redis")
	} else if found && stored > nonce {
		nonce = stored
	}

	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()
	pending, err := m.chain.PendingNonceAt(ctx, m.workerAddress)
	if err != nil {
		return 0, err
	}
	if pending > nonce {
		nonce = pending
	}
	return nonce, nil
}
