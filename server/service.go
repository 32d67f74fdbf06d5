package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/chainclient"
	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/database"
	"github.com/bloXroute-Labs/meta-tx-relay/datastore"
	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	"github.com/cornelk/hashmap"
	"github.com/fluent/fluent-logger-golang/fluent"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v2"
	"github.com/r3labs/sse"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	uberatomic "go.uber.org/atomic"
)

const tracerName = "github.com/bloXroute-Labs/meta-tx-relay/server"

var (
	errServerAlreadyRunning = errors.New("server already running")
	errMissingChain         = errors.New("no chain client")
	errMissingFeeConfig     = errors.New("no fee config")
	errMissingWorkerKey     = errors.New("no relay worker key")
	errWrongChain           = errors.New("chain id mismatch")
)

// EvidenceSubmitter forwards misbehaviour evidence to the chain's penalizer.
// SimulatedChain implements it.
type EvidenceSubmitter interface {
	Penalize(ctx context.Context, rawTx []byte, claimed *common.SignedRelayRequest, reporter ethcommon.Address) (*penalizer.Verdict, error)
}

// RelayServiceOpts provides all available options for use with NewRelayService
type RelayServiceOpts struct {
	Log        *logrus.Entry
	ListenAddr string

	Chain     chainclient.IChainClient
	Simulator *chainclient.Simulator
	// Evidence defaults to Chain when the chain accepts evidence
	Evidence EvidenceSubmitter

	HubAddress       ethcommon.Address
	ChainID          *big.Int
	FeeConfig        *feepolicy.ServerFeeConfig
	WorkerKey        *ecdsa.PrivateKey
	RelayManager     ethcommon.Address
	RelayTxGasLimit  uint64
	NonceLookahead   uint64
	// DepositMarginPct raises the signed gas price in the paymaster solvency check
	DepositMarginPct uint64

	MaxHeaderBytes         int
	// CertificatesPath holds relay_cert.pem and relay_key.pem; plain HTTP when empty
	CertificatesPath       string
	RequestTimeout         time.Duration
	SettlementPollInterval time.Duration
	SettlementTimeout      time.Duration
	DepositCacheTTL        time.Duration
	RateLimitPerSecond     int
	RateLimitExemptFile    string

	// Datastore is built from the Redis options and DB when nil
	Datastore     *datastore.Datastore
	DB            database.IDatabaseService
	RedisURI      string
	RedisPrefix   string
	RedisPoolSize int

	Version string
	NodeID  string
}

// RelayService accepts signed relay requests, wraps them into hub
// transactions paid by its worker and tracks their settlement
type RelayService struct {
	log        *logrus.Entry
	listenAddr string
	srv        *http.Server
	tracer     trace.Tracer

	chain     chainclient.IChainClient
	simulator *chainclient.Simulator
	evidence  EvidenceSubmitter
	datastore *datastore.Datastore

	feeConfig       *feepolicy.ServerFeeConfig
	domain          common.Domain
	workerKey       *ecdsa.PrivateKey
	workerAddress   ethcommon.Address
	signer          types.Signer
	relayManager    ethcommon.Address
	relayTxGasLimit uint64
	nonceLookahead  uint64
	depositMargin   uint64

	maxHeaderBytes         int
	certificatesPath       string
	requestTimeout         time.Duration
	settlementPollInterval time.Duration
	settlementTimeout      time.Duration
	version                string
	nodeID                 string
	clock                  func() time.Time

	// one lock per worker, held from nonce lookup to broadcast
	workerLocks  *xsync.MapOf[string, *sync.Mutex]
	workerNonces *xsync.MapOf[string, uint64]
	recentRelays *lru.Cache[ethcommon.Hash, *RelayTransactionResponse]
	depositCache *cache.Cache

	pendingSettlements *hashmap.HashMap[string, pendingSettlement]
	clientActivity     uberatomic.Pointer[hashmap.HashMap[string, *clientActivity]]
	events             *sse.Server
	watchers           sync.WaitGroup
	watchersMu         sync.Mutex

	rateLimiter         *rateLimiter
	rateLimitExempt     *xsync.MapOf[string, bool]
	rateLimitExemptFile string

	metrics          *relayMetrics
	performanceStats PerformanceStats
	stats            *fluent.Fluent

	ready  *uberatomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRelayService created a new RelayService
func NewRelayService(opts RelayServiceOpts) (*RelayService, error) {
	if opts.Chain == nil {
		return nil, errMissingChain
	}
	if opts.FeeConfig == nil {
		return nil, errMissingFeeConfig
	}
	if opts.WorkerKey == nil {
		return nil, errMissingWorkerKey
	}
	if opts.ChainID == nil {
		return nil, fmt.Errorf("%w: chain id not set", errWrongChain)
	}

	log := opts.Log.WithField("module", "service")

	ds := opts.Datastore
	if ds == nil {
		redisInstance, err := datastore.NewRedisCache(opts.RedisURI, opts.RedisPrefix, opts.RedisPoolSize)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.RedisURI, err)
		}
		log.Infof("Connected to Redis at %s", opts.RedisURI)

		ds, err = datastore.NewDatastore(opts.Log, redisInstance, opts.DB)
		if err != nil {
			return nil, fmt.Errorf("failed setting up datastore: %w", err)
		}
	}

	evidence := opts.Evidence
	if evidence == nil {
		evidence, _ = opts.Chain.(EvidenceSubmitter)
	}

	recentRelays, err := lru.New[ethcommon.Hash, *RelayTransactionResponse](defaultRecentRelaysCacheSize)
	if err != nil {
		return nil, err
	}

	events := sse.New()
	events.AutoReplay = false
	events.CreateStream(settlementStream)

	ctx, cancel := context.WithCancel(context.Background())
	m := &RelayService{
		log:        log,
		listenAddr: opts.ListenAddr,
		tracer:     otel.Tracer(tracerName),

		chain:     opts.Chain,
		simulator: opts.Simulator,
		evidence:  evidence,
		datastore: ds,

		feeConfig:       opts.FeeConfig,
		domain:          common.Domain{ChainID: new(big.Int).Set(opts.ChainID), RelayHub: opts.HubAddress},
		workerKey:       opts.WorkerKey,
		workerAddress:   crypto.PubkeyToAddress(opts.WorkerKey.PublicKey),
		signer:          types.LatestSignerForChainID(opts.ChainID),
		relayManager:    opts.RelayManager,
		relayTxGasLimit: withDefault(opts.RelayTxGasLimit, defaultRelayTxGasLimit),
		nonceLookahead:  withDefault(opts.NonceLookahead, defaultNonceLookahead),
		depositMargin:   withDefault(opts.DepositMarginPct, defaultDepositMarginPct),

		maxHeaderBytes:         opts.MaxHeaderBytes,
		certificatesPath:       opts.CertificatesPath,
		requestTimeout:         withDefault(opts.RequestTimeout, defaultRequestTimeout),
		settlementPollInterval: withDefault(opts.SettlementPollInterval, defaultSettlementPollInterval),
		settlementTimeout:      withDefault(opts.SettlementTimeout, defaultSettlementTimeout),
		version:                opts.Version,
		nodeID:                 opts.NodeID,
		clock:                  time.Now,

		workerLocks:  xsync.NewMapOf[*sync.Mutex](),
		workerNonces: xsync.NewMapOf[uint64](),
		recentRelays: recentRelays,
		depositCache: cache.New(withDefault(opts.DepositCacheTTL, defaultDepositCacheTTL), time.Minute),

		pendingSettlements: hashmap.New[string, pendingSettlement](),
		events:             events,

		rateLimiter:         newRateLimiter(time.Second, withDefault(opts.RateLimitPerSecond, defaultRateLimitPerSecond)),
		rateLimitExempt:     xsync.NewMapOf[bool](),
		rateLimitExemptFile: opts.RateLimitExemptFile,

		performanceStats: NewPerformanceStats(),
		ready:            uberatomic.NewBool(false),
		ctx:              ctx,
		cancel:           cancel,
	}
	m.clientActivity.Store(hashmap.New[string, *clientActivity]())
	m.metrics = newRelayMetrics(func() float64 { return float64(m.pendingSettlements.Len()) })

	if err := m.refreshReadiness(ctx); errors.Is(err, errWrongChain) {
		cancel()
		return nil, err
	} else if err != nil {
		log.WithError(err).Warn("relay is not ready yet")
	}

	fees := m.describeFees()
	if previous, err := ds.GetRelayConfig(ctx, datastore.RedisConfigFieldFeeConfig); err == nil && previous != "" && previous != fees {
		log.WithFields(logrus.Fields{
			"previous": previous,
			"current":  fees,
		}).Warn("fee config differs from the one last published")
	}
	if err := ds.SetRelayConfig(ctx, datastore.RedisConfigFieldFeeConfig, fees); err != nil {
		log.WithError(err).Warn("could not publish fee config to redis")
	}

	log.WithFields(logrus.Fields{
		"relayWorker":  m.workerAddress.Hex(),
		"relayManager": m.relayManager.Hex(),
		"relayHub":     m.domain.RelayHub.Hex(),
		"feeMode":      m.feeConfig.Mode().String(),
	}).Info("relay service created")
	return m, nil
}

func withDefault[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}

func (m *RelayService) describeFees() string {
	data, _ := json.Marshal(m.feeConfig.Describe())
	return string(data)
}

// refreshReadiness marks the relay ready once the node is on the expected
// chain and the relay manager is staked
func (m *RelayService) refreshReadiness(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	chainID, err := m.chain.ChainID(ctx)
	if err != nil {
		m.ready.Store(false)
		return err
	}
	if chainID.Cmp(m.domain.ChainID) != 0 {
		m.ready.Store(false)
		return fmt.Errorf("%w: node reports %s, relay configured for %s", errWrongChain, chainID, m.domain.ChainID)
	}
	staked, err := m.chain.IsRelayManagerStaked(ctx, m.relayManager)
	if err != nil {
		m.ready.Store(false)
		return err
	}
	m.ready.Store(staked)
	return nil
}

func (m *RelayService) respondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp := common.HTTPErrorResp{Code: code, Message: message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		m.log.WithField("response", resp).WithError(err).Error("Couldn't write error response")
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (m *RelayService) respondOK(w http.ResponseWriter, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.log.WithField("response", response).WithError(err).Error("Couldn't write OK response")
		http.Error(w, "", http.StatusInternalServerError)
	}
}

func (m *RelayService) getRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(pathGetAddr, m.handleGetAddr).Methods(http.MethodGet)
	r.HandleFunc(pathRelay, m.handleRelay).Methods(http.MethodPost)
	r.HandleFunc(pathTransaction, m.handleGetTransaction).Methods(http.MethodGet)
	r.HandleFunc(pathSettlement, m.handleGetSettlement).Methods(http.MethodGet)
	r.HandleFunc(pathPenalize, m.handlePenalize).Methods(http.MethodPost)
	r.HandleFunc(pathStatus, m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc(pathEvents, m.handleEvents).Methods(http.MethodGet)
	r.HandleFunc(pathDataRelayed, m.handleDataRelayedTransactions).Methods(http.MethodGet)
	r.HandleFunc(pathDataPenalizations, m.handleDataPenalizations).Methods(http.MethodGet)
	r.Handle(pathMetrics, promhttp.HandlerFor(m.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.Use(otelmux.Middleware("meta-tx-relay"))
	r.Use(LogRequestID(m.log))
	r.Use(rateLimitMiddleware(m.log, m.rateLimiter, m.rateLimitCaller))

	loggedRouter := LoggingMiddlewareLogrus(m.log, r)

	return loggedRouter
}

// Handler returns the relay's HTTP handler for use in another server
func (m *RelayService) Handler() http.Handler {
	return m.getRouter()
}

// StartHTTPServer starts the HTTP server for this relay service instance
func (m *RelayService) StartHTTPServer() error {
	if m.srv != nil {
		return errServerAlreadyRunning
	}

	m.srv = &http.Server{
		Addr:    m.listenAddr,
		Handler: m.getRouter(),

		ReadTimeout:       0,
		ReadHeaderTimeout: 0,
		WriteTimeout:      0,
		IdleTimeout:       10 * time.Second,
		MaxHeaderBytes:    m.maxHeaderBytes,
	}

	var err error
	if m.certificatesPath != "" {
		keyPair, keyErr := common.CreateKeyPair(m.certificatesPath)
		if keyErr != nil {
			return keyErr
		}
		m.srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{keyPair}, MinVersion: tls.VersionTLS12}
		err = m.srv.ListenAndServeTLS("", "")
	} else {
		err = m.srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down, stops settlement watchers and closes the
// event stream
func (m *RelayService) Stop(ctx context.Context) error {
	m.watchersMu.Lock()
	m.cancel()
	m.watchersMu.Unlock()
	m.rateLimiter.close()
	var err error
	if m.srv != nil {
		err = m.srv.Shutdown(ctx)
	}
	m.watchers.Wait()
	m.events.Close()
	m.datastore.WaitForPendingWrites()
	if m.stats != nil {
		if closeErr := m.stats.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

func (m *RelayService) handleGetAddr(w http.ResponseWriter, req *http.Request) {
	if !m.ready.Load() {
		if err := m.refreshReadiness(req.Context()); err != nil {
			m.log.WithError(err).Debug("readiness check failed")
		}
	}

	m.respondOK(w, PingResponse{
		RelayWorkerAddress:  m.workerAddress,
		RelayManagerAddress: m.relayManager,
		RelayHubAddress:     m.domain.RelayHub,
		ChainID:             m.domain.ChainID.String(),
		Fees:                m.feeConfig.Describe(),
		Ready:               m.ready.Load(),
		Version:             m.version,
	})
}

func (m *RelayService) handleRelay(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	success := false
	defer func() {
		m.performanceStats.SetEndpointStats(pathRelay, time.Since(start), success)
	}()

	payload := new(RelayTransactionRequest)
	if err := decodeJSONAndClose(req.Body, payload); err != nil {
		m.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid relay request: %v", err))
		return
	}
	m.trackActivity(payload.Request.From, callerIP(req))

	resp, err := m.CreateRelayTransaction(req.Context(), payload)
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		m.respondError(w, rejection.Status, rejection.Message)
		return
	} else if err != nil {
		m.log.WithError(err).Error("could not relay transaction")
		m.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	success = true
	m.respondOK(w, resp)
}

func (m *RelayService) handleGetTransaction(w http.ResponseWriter, req *http.Request) {
	txHash := ethcommon.HexToHash(mux.Vars(req)["hash"])

	record, err := m.datastore.GetRelayedTransaction(req.Context(), txHash)
	if errors.Is(err, datastore.ErrNotFound) {
		m.respondError(w, http.StatusNotFound, "relayed transaction not found")
		return
	} else if err != nil {
		m.log.WithError(err).WithField("txHash", txHash.Hex()).Error("could not get relayed transaction")
		m.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.respondOK(w, record)
}

func (m *RelayService) handleGetSettlement(w http.ResponseWriter, req *http.Request) {
	txHash := ethcommon.HexToHash(mux.Vars(req)["hash"])

	receipt, err := m.datastore.GetSettlement(req.Context(), txHash)
	if errors.Is(err, datastore.ErrNotFound) {
		if _, pending := m.pendingSettlements.Get(txHash.Hex()); pending {
			m.respondError(w, http.StatusNotFound, "settlement pending")
			return
		}
		m.respondError(w, http.StatusNotFound, "settlement not found")
		return
	} else if err != nil {
		m.log.WithError(err).WithField("txHash", txHash.Hex()).Error("could not get settlement")
		m.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	m.respondOK(w, receipt)
}

func (m *RelayService) handlePenalize(w http.ResponseWriter, req *http.Request) {
	if m.evidence == nil {
		m.respondError(w, http.StatusNotImplemented, "penalization not supported by this chain")
		return
	}

	payload := new(PenalizeRequest)
	if err := decodeJSONAndClose(req.Body, payload); err != nil {
		m.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid evidence: %v", err))
		return
	}

	verdict, err := m.evidence.Penalize(req.Context(), payload.RawTx, &payload.Claimed, payload.Reporter)
	if errors.Is(err, penalizer.ErrMalformedEvidence) {
		m.respondError(w, http.StatusBadRequest, err.Error())
		return
	} else if chainclient.IsTransient(err) {
		m.respondError(w, http.StatusServiceUnavailable, errChainUnavailable().Message)
		return
	} else if err != nil {
		m.log.WithError(err).Error("could not adjudicate evidence")
		m.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	m.datastore.SavePenalization(req.Context(), verdict)
	m.respondOK(w, verdict)
}

func (m *RelayService) handleStatus(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	success := false
	defer func() {
		m.performanceStats.SetEndpointStats(pathStatus, time.Since(start), success)
	}()

	stats, err := m.datastore.GetStats(req.Context())
	if err != nil {
		m.log.WithError(err).Warn("could not read stats")
	}
	settled, err := m.datastore.GetNumSettlements(req.Context())
	if err != nil {
		m.log.WithError(err).Warn("could not count settlements")
	}

	resp := StatusResponse{
		Ready:              m.ready.Load(),
		ChainURI:           m.chain.GetURI(),
		PendingSettlements: m.pendingSettlements.Len(),
		SettledTotal:       settled,
		Stats:              stats,
	}
	if !resp.Ready {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	success = true
	m.respondOK(w, resp)
}

func (m *RelayService) handleEvents(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if q.Get("stream") == "" {
		q.Set("stream", settlementStream)
		req.URL.RawQuery = q.Encode()
	}
	m.events.HTTPHandler(w, req)
}
