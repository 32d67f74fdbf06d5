package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/chainclient"
	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/cenkalti/backoff/v4"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/r3labs/sse"
	"github.com/sirupsen/logrus"
)

type pendingSettlement struct {
	RequestHash ethcommon.Hash `json:"requestHash"`
	WorkerNonce uint64         `json:"workerNonce"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// trackSettlement starts a watcher for a broadcast relay transaction. No
// watcher starts once Stop has begun.
func (m *RelayService) trackSettlement(record *common.RelayedTransaction) {
	m.watchersMu.Lock()
	defer m.watchersMu.Unlock()
	if m.ctx.Err() != nil {
		m.log.WithField("txHash", record.TxHash.Hex()).Warn("relay is stopping, settlement not watched")
		return
	}

	m.pendingSettlements.Set(record.TxHash.Hex(), pendingSettlement{
		RequestHash: record.RequestHash,
		WorkerNonce: record.WorkerNonce,
		SubmittedAt: m.clock(),
	})

	m.watchers.Add(1)
	go m.watchSettlement(record.TxHash, record.RequestHash)
}

// watchSettlement polls for the receipt of txHash with exponential backoff
// until it is mined, the settlement timeout passes or the service stops
func (m *RelayService) watchSettlement(txHash, requestHash ethcommon.Hash) {
	defer m.watchers.Done()
	defer m.pendingSettlements.Del(txHash.Hex())

	log := m.log.WithFields(logrus.Fields{
		"txHash":      txHash.Hex(),
		"requestHash": requestHash.Hex(),
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.settlementPollInterval
	bo.MaxInterval = 16 * m.settlementPollInterval
	bo.MaxElapsedTime = m.settlementTimeout

	var receipt *common.RelayReceipt
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(m.ctx, m.requestTimeout)
		defer cancel()

		r, err := m.chain.RelayReceipt(ctx, txHash)
		if errors.Is(err, chainclient.ErrReceiptNotFound) || chainclient.IsTransient(err) {
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		receipt = r
		return nil
	}, backoff.WithContext(bo, m.ctx))
	if err != nil {
		if m.ctx.Err() == nil {
			m.metrics.settlements.WithLabelValues("unobserved").Inc()
			log.WithError(err).Warn("settlement not observed")
		}
		return
	}

	m.recordSettlement(log, requestHash, receipt)
}

func settlementStatus(receipt *common.RelayReceipt) string {
	if receipt.Reverted || receipt.Event == nil {
		return "reverted"
	}
	return receipt.Event.Status.String()
}

func (m *RelayService) recordSettlement(log *logrus.Entry, requestHash ethcommon.Hash, receipt *common.RelayReceipt) {
	status := settlementStatus(receipt)
	m.metrics.settlements.WithLabelValues(status).Inc()

	log = log.WithFields(logrus.Fields{
		"blockNumber": receipt.BlockNumber,
		"gasUsed":     receipt.GasUsed,
		"status":      status,
	})
	if receipt.Event != nil {
		log = log.WithField("charge", common.BigOrZero(receipt.Event.Charge).String())
	}

	if err := m.datastore.SaveSettlement(m.ctx, receipt); err != nil {
		log.WithError(err).Error("could not save settlement")
	}

	data, err := json.Marshal(SettlementEvent{RequestHash: requestHash, Receipt: receipt})
	if err != nil {
		log.WithError(err).Error("could not encode settlement event")
		return
	}
	// no event id: the stream does not replay, and sse ids must be numeric
	m.events.Publish(settlementStream, &sse.Event{Data: data})

	if receipt.Reverted {
		log.WithField("revertReason", receipt.RevertReason).Warn("relay transaction reverted")
		return
	}
	log.Info("relay transaction settled")
}
