package main

import (
	"context"
	"crypto/ecdsa"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/chainclient"
	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/database"
	"github.com/bloXroute-Labs/meta-tx-relay/datastore"
	"github.com/bloXroute-Labs/meta-tx-relay/hub"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	"github.com/bloXroute-Labs/meta-tx-relay/server"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/uptrace-go/uptrace"
)

var (
	version = "dev" // is set during build process

	// defaults
	defaultLogJSON          = os.Getenv("LOG_JSON") != ""
	defaultListenAddr       = getEnv("RELAY_LISTEN_ADDR", "localhost:8090")
	defaultRequestTimeoutMs = getEnvInt("REQUEST_TIMEOUT_MS", 5000)
	maxHeaderBytes          = getEnvInt("MAX_HEADER_BYTES", 4000) // max header byte size for requests for dos prevention

	// cli flags
	printVersion = flag.Bool("version", false, "only print version")

	listenAddr       = flag.String("addr", defaultListenAddr, "listen-address for the relay server")
	requestTimeoutMs = flag.Int("request-timeout", defaultRequestTimeoutMs, "timeout for requests to chain nodes [ms]")
	fluentdEnabled   = flag.Bool("fluentd", false, "should fluentd run")

	// logging flags
	logJSON           = flag.Bool("json", defaultLogJSON, "log in JSON format instead of text")
	consoleLevelFlag  = flag.String("log-level", "info", "log level for stdout")
	fileLevelFlag     = flag.String("log-file-level", "trace", "log level for the log file")
	fluentdHost       = flag.String("fluentd-host", "localhost", "fluentd ip")
	logMaxSizeFlag    = flag.Int("log-max-size", 100, "maximum size in megabytes of the log file before it gets rotated")
	logMaxAgeFlag     = flag.Int("log-max-age", 10, "maximum number of days to retain old log files based on the timestamp encoded in their filename")
	logMaxBackupsFlag = flag.Int("log-max-backups", 10, "maximum number of old log files to retain")

	nodeID     = flag.String("node-id", "", "instance id for fluentd")
	externalIP = flag.String("external-ip", "", "external ip")

	// relay identity and pricing
	feeConfigPath   = flag.String("fee-config", getEnv("FEE_CONFIG", "config_files/fees.json"), "fee configuration file")
	workerKeyHex    = flag.String("worker-key", getEnv("WORKER_KEY", ""), "hex private key of the relay worker")
	relayManager    = flag.String("relay-manager", "", "address of the relay manager the worker is registered to")
	relayHub        = flag.String("relay-hub", "", "relay hub address")
	chainID         = flag.Int64("chain-id", 0, "chain id the relay serves")
	relayTxGasLimit = flag.Uint64("relay-tx-gas-limit", 0, "outer transaction gas limit in baseRelayFee bid mode")
	nonceLookahead  = flag.Uint64("nonce-lookahead", 0, "how far a request nonce may run ahead of the sender's on-chain nonce")
	depositMargin   = flag.Uint64("deposit-margin-pct", 0, "gas price margin in percent for the paymaster deposit check")

	// chain
	chainNodes     = flag.String("chain-nodes", "", "csv of execution node urls")
	simulationNode = flag.String("simulation-node", "", "url of a node used to dry-run relay calls")
	simulated      = flag.Bool("simulated-chain", false, "serve an in-process chain instead of connecting to nodes")
	blockInterval  = flag.Duration("block-interval", 2*time.Second, "block interval of the simulated chain")
	devPaymaster   = flag.String("dev-paymaster", "0x0000000000000000000000000000000000000004", "paymaster funded on the simulated chain")

	// storage
	dbHost        = flag.String("database", "", "database connection string")
	redisURI      = flag.String("redis", ":6379", "redis connection uri")
	redisPrefix   = flag.String("redis-prefix", "meta-tx-relay", "redis prefix string")
	redisPoolSize = flag.Int("redis-pool-size", 80, "redis pool size")

	certificatesPath    = flag.String("certificates-path", "", "directory with relay_cert.pem and relay_key.pem to serve https")
	rateLimit           = flag.Int("rate-limit", 0, "requests per second allowed per caller ip")
	rateLimitExemptFile = flag.String("rate-limit-exempt-file", "", "rate limit exemption file")

	settlementTimeout = flag.Duration("settlement-timeout", 10*time.Minute, "how long to watch a relayed transaction before giving up")

	uptraceDSN = flag.String("uptrace-dsn", "", "url for uptrace dsn")
	pprofAddr  = flag.String("pprof-addr", "", "listen address for pprof, disabled when empty")
)

var log = logrus.WithField("module", "cmd/relay-server")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flag.Parse()

	if *printVersion {
		fmt.Printf("meta-tx-relay %s\n", version)
		return
	}

	var fluentdNodeID string
	switch {
	case *nodeID != "":
		fluentdNodeID = *nodeID
	case *externalIP != "":
		fluentdNodeID = uuid.NewMD5(uuid.NameSpaceDNS, []byte(fmt.Sprintf("%s:%s", *externalIP, *listenAddr))).String()
	default:
		id, err := uuid.NewUUID()
		if err != nil {
			fluentdNodeID = "Unknown-node-id_and_external-ip"
		} else {
			fluentdNodeID = id.String()
		}
	}

	// Configure OpenTelemetry with sensible defaults.
	uptrace.ConfigureOpentelemetry(
		uptrace.WithDSN(*uptraceDSN),

		uptrace.WithServiceName("meta-tx-relay"),
		uptrace.WithServiceVersion(version),
		uptrace.WithDeploymentEnvironment(fluentdNodeID),
	)
	// Send buffered spans and free resources.
	defer uptrace.Shutdown(ctx)

	if err := server.InitLogger(*consoleLevelFlag, *fileLevelFlag, *fluentdHost, fluentdNodeID, *fluentdEnabled, *logMaxSizeFlag, *logMaxAgeFlag, *logMaxBackupsFlag); err != nil {
		log.WithError(err).Fatal("could not set up logging")
	}

	// Set the server version
	server.Version = version

	if *logJSON {
		log.Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	log.Infof("meta-tx-relay %s", version)

	feeConfig, err := server.LoadFeeConfigFile(*feeConfigPath)
	if err != nil {
		log.WithError(err).Fatal("could not load fee config")
	}
	log.WithField("feeMode", feeConfig.Mode().String()).Info("fee config loaded")

	requestTimeout := time.Duration(*requestTimeoutMs) * time.Millisecond
	if requestTimeout <= 0 {
		log.Fatal("Please specify a request timeout greater than 0")
	}

	workerKey, err := loadWorkerKey(*workerKeyHex, *simulated)
	if err != nil {
		log.WithError(err).Fatal("could not load worker key")
	}

	var db database.IDatabaseService
	if *dbHost != "" {
		log.Infof("Connecting to Postgres database...")
		dbService, err := database.NewDatabaseService(*dbHost)
		if err != nil {
			log.WithError(err).Fatal("could not connect to db")
		}
		defer dbService.Close()
		db = dbService
		log.Infof("Connected to Postgres database")
	}

	redisCache, err := datastore.NewRedisCache(*redisURI, *redisPrefix, *redisPoolSize)
	if err != nil {
		log.WithError(err).Fatalf("failed to connect to Redis at %s", *redisURI)
	}
	log.Infof("Connected to Redis at %s", *redisURI)

	ds, err := datastore.NewDatastore(log, redisCache, db)
	if err != nil {
		log.WithError(err).Fatal("failed setting up datastore")
	}

	opts := server.RelayServiceOpts{
		Log:                 log,
		ListenAddr:          *listenAddr,
		FeeConfig:           feeConfig,
		WorkerKey:           workerKey,
		RelayManager:        ethcommon.HexToAddress(*relayManager),
		HubAddress:          ethcommon.HexToAddress(*relayHub),
		RelayTxGasLimit:     *relayTxGasLimit,
		NonceLookahead:      *nonceLookahead,
		DepositMarginPct:    *depositMargin,
		MaxHeaderBytes:      maxHeaderBytes,
		CertificatesPath:    *certificatesPath,
		RequestTimeout:      requestTimeout,
		SettlementTimeout:   *settlementTimeout,
		RateLimitPerSecond:  *rateLimit,
		RateLimitExemptFile: *rateLimitExemptFile,
		Datastore:           ds,
		DB:                  db,
		Version:             version,
		NodeID:              fluentdNodeID,
	}

	if *simulated {
		chain, err := newSimulatedChain(feeConfig.Mode(), workerKey, ds)
		if err != nil {
			log.WithError(err).Fatal("could not set up simulated chain")
		}
		go chain.AutoMine(ctx, *blockInterval)

		domain := chain.Hub().Domain()
		opts.Chain = chain
		opts.HubAddress = domain.RelayHub
		opts.ChainID = domain.ChainID
		opts.RelayManager = devManager
		log.WithFields(logrus.Fields{
			"relayHub":  domain.RelayHub.Hex(),
			"chainId":   domain.ChainID.String(),
			"paymaster": *devPaymaster,
		}).Info("serving a simulated chain")
	} else {
		chain, err := newChainClient(ctx, *chainNodes, opts.HubAddress, requestTimeout)
		if err != nil {
			log.WithError(err).Fatal("could not connect to chain nodes")
		}
		opts.Chain = chain
		opts.ChainID = big.NewInt(*chainID)
		if *chainID == 0 {
			if opts.ChainID, err = chain.ChainID(ctx); err != nil {
				log.WithError(err).Fatal("could not get chain id")
			}
		}
		if *simulationNode != "" {
			opts.Simulator = chainclient.NewSimulator(*simulationNode, opts.HubAddress)
		}
	}

	relay, err := server.NewRelayService(opts)
	if err != nil {
		log.WithError(err).Fatal("failed creating the server")
	}

	if *pprofAddr != "" {
		go func() {
			log.Infof("pprof http server is running on %s", *pprofAddr)
			log.Info(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	go relay.StartActivityLogger(ctx)
	go relay.StartConfigFilesLoading(ctx)

	if *fluentdEnabled {
		if err := relay.StartStats(*fluentdHost, fluentdNodeID); err != nil {
			log.WithError(err).Error("could not start fluentd stats")
		}
	}

	go func() {
		log.Println("listening on", *listenAddr)
		if err := relay.StartHTTPServer(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := relay.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown did not complete")
	}
}

func loadWorkerKey(keyHex string, allowGenerate bool) (*ecdsa.PrivateKey, error) {
	if keyHex == "" {
		if !allowGenerate {
			return nil, fmt.Errorf("worker key required")
		}
		key, addr := common.GenerateRandomKey()
		log.WithField("relayWorker", addr.Hex()).Warn("generated a throwaway worker key")
		return key, nil
	}
	return crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
}

func newChainClient(ctx context.Context, nodes string, hubAddress ethcommon.Address, timeout time.Duration) (*chainclient.MultiChainClient, error) {
	if hubAddress == (ethcommon.Address{}) {
		return nil, fmt.Errorf("relay hub address required")
	}

	var instances []chainclient.IChainClient
	for _, uri := range parseNodeURLs(nodes) {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		instance, err := chainclient.NewEthInstance(dialCtx, log, uri, hubAddress)
		cancel()
		if err != nil {
			log.WithError(err).WithField("uri", uri).Error("could not connect to chain node")
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, chainclient.ErrNodeUnreachable
	}
	log.Infof("using %d chain nodes", len(instances))
	return chainclient.NewMultiChainClient(log, instances), nil
}

var (
	devChainID = big.NewInt(1337)
	devHub     = ethcommon.HexToAddress("0x000000000000000000000000000000000000a11c")
	devOwner   = ethcommon.HexToAddress("0x0000000000000000000000000000000000000001")
	devManager = ethcommon.HexToAddress("0x0000000000000000000000000000000000000002")
	devOneEth  = big.NewInt(1000000000000000000)
)

// newSimulatedChain stakes a dev relay manager, registers the worker and
// funds the dev paymaster on a fresh in-process hub
func newSimulatedChain(mode common.FeeMode, workerKey *ecdsa.PrivateKey, ds *datastore.Datastore) (*chainclient.SimulatedChain, error) {
	h, err := hub.NewRelayHub(log, hub.Config{
		ChainID:      devChainID,
		Address:      devHub,
		FeeMode:      mode,
		MinimumStake: devOneEth,
	})
	if err != nil {
		return nil, err
	}

	worker := crypto.PubkeyToAddress(workerKey.PublicKey)
	paymaster := ethcommon.HexToAddress(*devPaymaster)
	hundred := new(big.Int).Mul(devOneEth, big.NewInt(100))
	for _, step := range []func() error{
		func() error { return h.Fund(devOwner, hundred) },
		func() error { return h.Fund(worker, hundred) },
		func() error { return h.StakeForRelayManager(devOwner, devManager, devOneEth, 0) },
		func() error { return h.AddRelayWorker(devManager, worker) },
		func() error { return h.DepositFor(devOwner, paymaster, new(big.Int).Mul(devOneEth, big.NewInt(10))) },
	} {
		if err := step(); err != nil {
			return nil, err
		}
	}

	return chainclient.NewSimulatedChain(chainclient.SimulatedChainOpts{
		Log:       log,
		Hub:       h,
		Penalizer: penalizer.NewPenalizer(log, h, ds.EvidenceStore(), hub.DefaultPenaltySchedule),
	}), nil
}

func getEnv(key string, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		val, err := strconv.Atoi(value)
		if err == nil {
			return val
		}
	}
	return defaultValue
}

func parseNodeURLs(urls string) []string {
	ret := []string{}
	for _, entry := range strings.Split(urls, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			ret = append(ret, entry)
		}
	}
	return ret
}
