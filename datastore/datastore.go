// Package datastore helps storing data, utilizing Redis and Postgres as backends
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/database"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	"github.com/cenkalti/backoff/v4"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

const (
	databaseRequestTimeout = time.Second * 12
	databaseWriteRetries   = 5

	memoryExpiry = 30 * time.Minute
)

var ErrNotFound = errors.New("not found")

// Datastore provides a local memory cache with a Redis and DB backend
type Datastore struct {
	log *logrus.Entry

	redis *RedisCache
	db    database.IDatabaseService

	relayedTransactions *cache.Cache
	settlements         *cache.Cache

	// async database writes
	pendingWrites sync.WaitGroup
	retryInterval time.Duration

	// feature flags
	ffDisableMemoryCache bool
	ffDisableDatabase    bool
}

func NewDatastore(log *logrus.Entry, redisCache *RedisCache, db database.IDatabaseService) (ds *Datastore, err error) {
	ds = &Datastore{
		log:                 log.WithField("module", "datastore"),
		db:                  db,
		redis:               redisCache,
		relayedTransactions: cache.New(memoryExpiry, memoryExpiry),
		settlements:         cache.New(memoryExpiry, memoryExpiry),
		retryInterval:       500 * time.Millisecond,
	}

	if os.Getenv("DISABLE_MEMORY_CACHE") == "1" {
		ds.log.Warn("env: DISABLE_MEMORY_CACHE - disabling in-memory relay cache")
		ds.ffDisableMemoryCache = true
	}

	if db == nil {
		ds.log.Warn("no database configured - records are kept in memory and redis only")
		ds.db = database.NoopDB{}
		ds.ffDisableDatabase = true
	}

	return ds, err
}

func memoryKey(txHash ethcommon.Hash) string {
	return strings.ToLower(txHash.Hex())
}

// EvidenceStore is the consumed evidence set shared through Redis
func (ds *Datastore) EvidenceStore() penalizer.EvidenceStore {
	return ds.redis
}

// SaveRelayedTransaction stores the record in memory and Redis, and writes it
// to the database in the background
func (ds *Datastore) SaveRelayedTransaction(ctx context.Context, tx *common.RelayedTransaction) error {
	_, span := trace.StartSpan(ctx, "SaveRelayedTransaction")
	defer span.End()

	if !ds.ffDisableMemoryCache {
		ds.relayedTransactions.Set(memoryKey(tx.TxHash), tx, cache.DefaultExpiration)
	}

	if err := ds.redis.SaveRelayedTransaction(ctx, tx); err != nil {
		return err
	}
	if err := ds.redis.SetWorkerNonce(ctx, tx.RelayWorker, tx.WorkerNonce+1); err != nil {
		ds.log.WithError(err).WithField("worker", tx.RelayWorker.Hex()).Warn("failed to save worker nonce to redis")
	}

	entry, err := database.RelayedTransactionToEntry(tx)
	if err != nil {
		return err
	}
	ds.writeAsync("relayedTransaction", tx.TxHash, func(ctx context.Context) error {
		_, err := ds.db.SaveRelayedTransaction(ctx, entry)
		return err
	})
	return nil
}

// GetRelayedTransaction returns the record from memory, Redis or the database
func (ds *Datastore) GetRelayedTransaction(ctx context.Context, txHash ethcommon.Hash) (*common.RelayedTransaction, error) {
	ctx, span := trace.StartSpan(ctx, "GetRelayedTransaction")
	defer span.End()

	// 1. memory
	if !ds.ffDisableMemoryCache {
		if v, found := ds.relayedTransactions.Get(memoryKey(txHash)); found {
			return v.(*common.RelayedTransaction), nil
		}
	}

	// 2. redis
	tx, err := ds.redis.GetRelayedTransaction(ctx, txHash)
	if err != nil {
		ds.log.WithError(err).Warn("failed to get relayed transaction from redis")
	} else if tx != nil {
		return tx, nil
	}

	// 3. database
	entry, err := ds.db.GetRelayedTransaction(ctx, txHash.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	ds.log.WithField("txHash", txHash.Hex()).Debug("relayed transaction from database")
	return entry.ToRelayedTransaction()
}

// SaveSettlement stores a mined receipt for a relayed transaction
func (ds *Datastore) SaveSettlement(ctx context.Context, receipt *common.RelayReceipt) error {
	_, span := trace.StartSpan(ctx, "SaveSettlement")
	defer span.End()

	if !ds.ffDisableMemoryCache {
		ds.settlements.Set(memoryKey(receipt.TxHash), receipt, cache.DefaultExpiration)
	}
	if err := ds.redis.SaveSettlement(ctx, receipt); err != nil {
		return err
	}
	if err := ds.redis.IncStats(ctx, RedisStatsFieldSettled); err != nil {
		ds.log.WithError(err).Warn("failed to update settlement stats")
	}

	entry := database.ReceiptToSettlementEntry(receipt)
	ds.writeAsync("settlement", receipt.TxHash, func(ctx context.Context) error {
		return ds.db.SaveSettlement(ctx, entry)
	})
	return nil
}

// GetSettlement returns the settlement from memory, Redis or the database
func (ds *Datastore) GetSettlement(ctx context.Context, txHash ethcommon.Hash) (*common.RelayReceipt, error) {
	ctx, span := trace.StartSpan(ctx, "GetSettlement")
	defer span.End()

	if !ds.ffDisableMemoryCache {
		if v, found := ds.settlements.Get(memoryKey(txHash)); found {
			return v.(*common.RelayReceipt), nil
		}
	}

	receipt, err := ds.redis.GetSettlement(ctx, txHash)
	if err != nil {
		ds.log.WithError(err).Warn("failed to get settlement from redis")
	} else if receipt != nil {
		return receipt, nil
	}

	entry, err := ds.db.GetSettlement(ctx, txHash.Hex())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return entry.ToReceipt()
}

// SavePenalization records a verdict in the database history
func (ds *Datastore) SavePenalization(ctx context.Context, verdict *penalizer.Verdict) {
	if verdict.Outcome == penalizer.Slashed {
		if err := ds.redis.IncStats(ctx, RedisStatsFieldPenalized); err != nil {
			ds.log.WithError(err).Warn("failed to update penalization stats")
		}
	}
	entry := database.VerdictToEntry(verdict)
	ds.writeAsync("penalization", verdict.Fingerprint, func(ctx context.Context) error {
		return ds.db.SavePenalization(ctx, entry)
	})
}

// GetRelayedTransactions lists relayed transactions from the database history
func (ds *Datastore) GetRelayedTransactions(ctx context.Context, filters database.GetRelayedTransactionsFilters) ([]*database.RelayedTransactionEntry, error) {
	ctx, span := trace.StartSpan(ctx, "GetRelayedTransactions")
	defer span.End()
	return ds.db.GetRelayedTransactions(ctx, filters)
}

// GetPenalizations lists verdicts from the database history
func (ds *Datastore) GetPenalizations(ctx context.Context, filters database.GetPenalizationsFilters) ([]*database.PenalizationEntry, error) {
	ctx, span := trace.StartSpan(ctx, "GetPenalizations")
	defer span.End()
	return ds.db.GetPenalizations(ctx, filters)
}

func (ds *Datastore) GetNumSettlements(ctx context.Context) (uint64, error) {
	return ds.db.GetNumSettlements(ctx)
}

// WorkerNonce returns the next worker nonce known to Redis
func (ds *Datastore) WorkerNonce(ctx context.Context, worker ethcommon.Address) (uint64, bool, error) {
	return ds.redis.GetWorkerNonce(ctx, worker)
}

func (ds *Datastore) IncStats(ctx context.Context, field string) {
	if err := ds.redis.IncStats(ctx, field); err != nil {
		ds.log.WithError(err).WithField("field", field).Warn("failed to update stats")
	}
}

func (ds *Datastore) GetStats(ctx context.Context) (map[string]string, error) {
	return ds.redis.GetStats(ctx)
}

func (ds *Datastore) SetRelayConfig(ctx context.Context, field, value string) error {
	return ds.redis.SetRelayConfig(ctx, field, value)
}

// GetRelayConfig returns "" for a field that was never published
func (ds *Datastore) GetRelayConfig(ctx context.Context, field string) (string, error) {
	return ds.redis.GetRelayConfig(ctx, field)
}

// writeAsync runs a database write in the background, retrying with
// exponential backoff. Records stay readable from Redis meanwhile.
func (ds *Datastore) writeAsync(kind string, key ethcommon.Hash, write func(ctx context.Context) error) {
	if ds.ffDisableDatabase {
		return
	}

	ds.pendingWrites.Add(1)
	go func() {
		defer ds.pendingWrites.Done()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = ds.retryInterval
		err := backoff.Retry(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), databaseRequestTimeout)
			defer cancel()
			return write(ctx)
		}, backoff.WithMaxRetries(bo, databaseWriteRetries))

		log := ds.log.WithFields(logrus.Fields{"kind": kind, "key": key.Hex()})
		if err != nil {
			log.WithError(err).Error("failed to save to database")
			return
		}
		log.Debug("saved to database")
	}()
}

// WaitForPendingWrites blocks until background database writes finished
func (ds *Datastore) WaitForPendingWrites() {
	ds.pendingWrites.Wait()
}
