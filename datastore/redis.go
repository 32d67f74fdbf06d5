package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var (
	redisPrefix = "meta-tx-relay"

	expiryRelayedTransaction = 24 * time.Hour
	expirySettlement         = 24 * time.Hour

	RedisStatsFieldRelayed    = "relayed"
	RedisStatsFieldRejected   = "rejected"
	RedisStatsFieldSettled    = "settled"
	RedisStatsFieldPenalized  = "penalized"
	RedisConfigFieldFeeConfig = "fee-config"
)

func connectRedis(redisURI string, connectionPoolLimit int) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		PoolSize: connectionPoolLimit,
		Addr:     redisURI,
	})
	if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
		// unable to connect to redis
		return nil, err
	}
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		return nil, err
	}
	return redisClient, nil
}

type RedisCache struct {
	client *redis.Client

	prefixRelayedTransaction string
	prefixSettlement         string

	keyWorkerNonces     string
	keyConsumedEvidence string
	keyRelayConfig      string
	keyStats            string
}

func NewRedisCache(redisURI, prefix string, connectionPoolLimit int) (*RedisCache, error) {
	client, err := connectRedis(redisURI, connectionPoolLimit)
	if err != nil {
		return nil, err
	}

	return &RedisCache{
		client: client,

		prefixRelayedTransaction: fmt.Sprintf("%s/%s:relayed-tx", redisPrefix, prefix),
		prefixSettlement:         fmt.Sprintf("%s/%s:settlement", redisPrefix, prefix),

		keyWorkerNonces:     fmt.Sprintf("%s/%s:worker-nonces", redisPrefix, prefix),
		keyConsumedEvidence: fmt.Sprintf("%s/%s:consumed-evidence", redisPrefix, prefix),
		keyRelayConfig:      fmt.Sprintf("%s/%s:relay-config", redisPrefix, prefix),
		keyStats:            fmt.Sprintf("%s/%s:stats", redisPrefix, prefix),
	}, nil
}

func (r *RedisCache) keyRelayedTransaction(txHash ethcommon.Hash) string {
	return fmt.Sprintf("%s:%s", r.prefixRelayedTransaction, strings.ToLower(txHash.Hex()))
}

func (r *RedisCache) keySettlement(txHash ethcommon.Hash) string {
	return fmt.Sprintf("%s:%s", r.prefixSettlement, strings.ToLower(txHash.Hex()))
}

func (r *RedisCache) GetObj(ctx context.Context, key string, obj any) (err error) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(value), &obj)
}

func (r *RedisCache) SetObj(ctx context.Context, key string, value any, expiration time.Duration) (err error) {
	marshalledValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, key, marshalledValue, expiration).Err()
}

func (r *RedisCache) SaveRelayedTransaction(ctx context.Context, tx *common.RelayedTransaction) error {
	return r.SetObj(ctx, r.keyRelayedTransaction(tx.TxHash), tx, expiryRelayedTransaction)
}

// GetRelayedTransaction returns (nil, nil) when the record is not cached
func (r *RedisCache) GetRelayedTransaction(ctx context.Context, txHash ethcommon.Hash) (*common.RelayedTransaction, error) {
	tx := new(common.RelayedTransaction)
	err := r.GetObj(ctx, r.keyRelayedTransaction(txHash), tx)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return tx, err
}

func (r *RedisCache) SaveSettlement(ctx context.Context, receipt *common.RelayReceipt) error {
	return r.SetObj(ctx, r.keySettlement(receipt.TxHash), receipt, expirySettlement)
}

// GetSettlement returns (nil, nil) when the settlement is not cached
func (r *RedisCache) GetSettlement(ctx context.Context, txHash ethcommon.Hash) (*common.RelayReceipt, error) {
	receipt := new(common.RelayReceipt)
	err := r.GetObj(ctx, r.keySettlement(txHash), receipt)
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return receipt, err
}

// SetWorkerNonce records the next nonce the worker will use. It never
// moves a stored nonce backwards.
func (r *RedisCache) SetWorkerNonce(ctx context.Context, worker ethcommon.Address, nonce uint64) error {
	field := strings.ToLower(worker.Hex())
	current, err := r.client.HGet(ctx, r.keyWorkerNonces, field).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err == nil && current >= nonce {
		return nil
	}
	return r.client.HSet(ctx, r.keyWorkerNonces, field, nonce).Err()
}

// GetWorkerNonce returns the stored next nonce and whether one was stored
func (r *RedisCache) GetWorkerNonce(ctx context.Context, worker ethcommon.Address) (uint64, bool, error) {
	nonce, err := r.client.HGet(ctx, r.keyWorkerNonces, strings.ToLower(worker.Hex())).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return nonce, true, nil
}

func (r *RedisCache) IsConsumed(ctx context.Context, fingerprint ethcommon.Hash) (bool, error) {
	return r.client.SIsMember(ctx, r.keyConsumedEvidence, fingerprint.Hex()).Result()
}

// Consume adds the fingerprint with a single SADD, so two relays sharing the
// set cannot both see it as fresh
func (r *RedisCache) Consume(ctx context.Context, fingerprint ethcommon.Hash) (bool, error) {
	added, err := r.client.SAdd(ctx, r.keyConsumedEvidence, fingerprint.Hex()).Result()
	if err != nil {
		return false, err
	}
	return added == 1, nil
}

func (r *RedisCache) Release(ctx context.Context, fingerprint ethcommon.Hash) error {
	return r.client.SRem(ctx, r.keyConsumedEvidence, fingerprint.Hex()).Err()
}

func (r *RedisCache) NumConsumedEvidence(ctx context.Context) (int64, error) {
	return r.client.SCard(ctx, r.keyConsumedEvidence).Result()
}

func (r *RedisCache) IncStats(ctx context.Context, field string) error {
	return r.client.HIncrBy(ctx, r.keyStats, field, 1).Err()
}

func (r *RedisCache) GetStats(ctx context.Context) (map[string]string, error) {
	return r.client.HGetAll(ctx, r.keyStats).Result()
}

func (r *RedisCache) SetRelayConfig(ctx context.Context, field, value string) (err error) {
	return r.client.HSet(ctx, r.keyRelayConfig, field, value).Err()
}

func (r *RedisCache) GetRelayConfig(ctx context.Context, field string) (string, error) {
	res, err := r.client.HGet(ctx, r.keyRelayConfig, field).Result()
	if errors.Is(err, redis.Nil) {
		return res, nil
	}
	return res, err
}
