package chainclient

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/cenkalti/backoff/v4"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	uberatomic "go.uber.org/atomic"
)

const (
	defaultRetries         = 2
	defaultRetryInterval   = 100 * time.Millisecond
	defaultMaxRetryElapsed = 2 * time.Second
)

// MultiChainClient manages several node connections. Reads go to the node
// that answered last; broadcasts go to every node.
type MultiChainClient struct {
	log           *logrus.Entry
	bestNodeIndex uberatomic.Int64
	instances     []IChainClient

	retries       uint64
	retryInterval time.Duration
}

func NewMultiChainClient(log *logrus.Entry, instances []IChainClient) *MultiChainClient {
	return &MultiChainClient{
		log:           log.WithField("component", "chainClient"),
		instances:     instances,
		bestNodeIndex: *uberatomic.NewInt64(0),
		retries:       defaultRetries,
		retryInterval: defaultRetryInterval,
	}
}

// instancesByLastResponse returns the instances with the one that last
// answered successfully first
func (c *MultiChainClient) instancesByLastResponse() []IChainClient {
	index := c.bestNodeIndex.Load()
	if index == 0 {
		return c.instances
	}

	instances := make([]IChainClient, len(c.instances))
	copy(instances, c.instances)
	instances[0], instances[index] = instances[index], instances[0]

	return instances
}

func (c *MultiChainClient) indexOf(instance IChainClient) int64 {
	for i, inst := range c.instances {
		if inst == instance {
			return int64(i)
		}
	}
	return 0
}

// firstSuccess tries every instance in order and retries the whole round with
// exponential backoff. permanent errors stop immediately.
func firstSuccess[T any](ctx context.Context, c *MultiChainClient, op string, fn func(IChainClient) (T, error), permanent func(error) bool) (T, error) {
	var res T
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	bo.MaxElapsedTime = defaultMaxRetryElapsed

	err := backoff.Retry(func() error {
		var lastErr error
		for _, instance := range c.instancesByLastResponse() {
			v, err := fn(instance)
			if err == nil {
				c.bestNodeIndex.Store(c.indexOf(instance))
				res = v
				return nil
			}
			if permanent != nil && permanent(err) {
				return backoff.Permanent(err)
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"uri": instance.GetURI(),
				"op":  op,
			}).Warn("chain node request failed")
			lastErr = err
		}
		if lastErr == nil {
			lastErr = ErrChainUnavailable
		}
		return lastErr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, c.retries), ctx))

	if err != nil && (permanent == nil || !permanent(err)) {
		c.log.WithError(err).WithField("op", op).Error("all chain nodes failed")
		return res, ErrChainUnavailable
	}
	return res, err
}

func (c *MultiChainClient) GetURI() string {
	instances := c.instancesByLastResponse()
	if len(instances) == 0 {
		return ""
	}
	return instances[0].GetURI()
}

// GetNodeURIs returns the node URIs ordered by last successful response
func (c *MultiChainClient) GetNodeURIs() []string {
	instances := c.instancesByLastResponse()
	uris := make([]string, len(instances))
	for i, instance := range instances {
		uris[i] = instance.GetURI()
	}
	return uris
}

func (c *MultiChainClient) ChainID(ctx context.Context) (*big.Int, error) {
	return firstSuccess(ctx, c, "chainId", func(i IChainClient) (*big.Int, error) { return i.ChainID(ctx) }, nil)
}

func (c *MultiChainClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return firstSuccess(ctx, c, "gasPrice", func(i IChainClient) (*big.Int, error) { return i.SuggestGasPrice(ctx) }, nil)
}

func (c *MultiChainClient) BalanceAt(ctx context.Context, account ethcommon.Address) (*big.Int, error) {
	return firstSuccess(ctx, c, "balance", func(i IChainClient) (*big.Int, error) { return i.BalanceAt(ctx, account) }, nil)
}

func (c *MultiChainClient) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	return firstSuccess(ctx, c, "pendingNonce", func(i IChainClient) (uint64, error) { return i.PendingNonceAt(ctx, account) }, nil)
}

func (c *MultiChainClient) SenderNonce(ctx context.Context, from ethcommon.Address) (*big.Int, error) {
	return firstSuccess(ctx, c, "getNonce", func(i IChainClient) (*big.Int, error) { return i.SenderNonce(ctx, from) }, nil)
}

func (c *MultiChainClient) PaymasterDeposit(ctx context.Context, paymaster ethcommon.Address) (*big.Int, error) {
	return firstSuccess(ctx, c, "balanceOf", func(i IChainClient) (*big.Int, error) { return i.PaymasterDeposit(ctx, paymaster) }, nil)
}

func (c *MultiChainClient) IsRelayManagerStaked(ctx context.Context, manager ethcommon.Address) (bool, error) {
	return firstSuccess(ctx, c, "isRelayManagerStaked", func(i IChainClient) (bool, error) { return i.IsRelayManagerStaked(ctx, manager) }, nil)
}

func (c *MultiChainClient) RelayReceipt(ctx context.Context, txHash ethcommon.Hash) (*common.RelayReceipt, error) {
	notFound := func(err error) bool { return errors.Is(err, ErrReceiptNotFound) }
	return firstSuccess(ctx, c, "receipt", func(i IChainClient) (*common.RelayReceipt, error) { return i.RelayReceipt(ctx, txHash) }, notFound)
}

type sendResp struct {
	index int
	err   error
}

// SendTransaction broadcasts tx to every node and succeeds if any accepted it
func (c *MultiChainClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	log := c.log.WithField("txHash", tx.Hash().Hex())
	instances := c.instancesByLastResponse()
	// buffered so late senders never block after we return
	resChan := make(chan sendResp, len(instances))

	for i, instance := range instances {
		go func(index int, instance IChainClient) {
			resChan <- sendResp{index: index, err: instance.SendTransaction(ctx, tx)}
		}(i, instance)
	}

	var rejection error
	for i := 0; i < len(instances); i++ {
		res := <-resChan
		if res.err != nil {
			log.WithField("uri", instances[res.index].GetURI()).WithError(res.err).Warn("failed to send transaction")
			if !IsTransient(res.err) {
				rejection = res.err
			}
			continue
		}
		c.bestNodeIndex.Store(c.indexOf(instances[res.index]))
		log.WithField("uri", instances[res.index].GetURI()).Debug("sent transaction")
		return nil
	}

	if rejection != nil {
		return rejection
	}
	return ErrChainUnavailable
}
