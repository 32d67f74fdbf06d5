package client

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bloXroute-Labs/meta-tx-relay/chainclient"
	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
	"github.com/bloXroute-Labs/meta-tx-relay/server"
	"github.com/cenkalti/backoff/v4"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/r3labs/sse"
	"github.com/sirupsen/logrus"
)

var (
	ErrRelayCallReverted = errors.New("relay transaction reverted")
	ErrChargeMismatch    = errors.New("charge does not match the signed fees")
)

// WaitForSettlement polls the chain until txHash is mined or the settlement
// timeout passes
func (c *RelayClient) WaitForSettlement(ctx context.Context, txHash ethcommon.Hash) (*common.RelayReceipt, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollInterval
	bo.MaxInterval = 16 * c.pollInterval
	bo.MaxElapsedTime = c.settlementTimeout

	var receipt *common.RelayReceipt
	err := backoff.Retry(func() error {
		r, err := c.chain.RelayReceipt(ctx, txHash)
		if errors.Is(err, chainclient.ErrReceiptNotFound) || chainclient.IsTransient(err) {
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		receipt = r
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("settlement of %s not observed: %w", txHash.Hex(), err)
	}

	if receipt.Reverted || receipt.Event == nil {
		return receipt, fmt.Errorf("%w: %s", ErrRelayCallReverted, receipt.RevertReason)
	}
	return receipt, nil
}

// VerifyCharge checks a settled charge against the fees the client signed.
// In bid mode the charge is exactly the bid; in pctRelayFee mode it is
// bounded by the worst case for the signed externalGasLimit.
func VerifyCharge(mode common.FeeMode, req *common.RelayRequest, event *common.TransactionRelayed) error {
	if event == nil {
		return fmt.Errorf("%w: no settlement event", ErrChargeMismatch)
	}
	charge := common.BigOrZero(event.Charge)

	switch mode {
	case common.FeeModeFlatBid:
		bid := common.BigOrZero(req.BaseRelayFee)
		if charge.Cmp(bid) != 0 {
			return fmt.Errorf("%w: charged %s, bid %s", ErrChargeMismatch, charge, bid)
		}
	case common.FeeModePercentage:
		limit := feepolicy.MaxPossibleCharge(mode, req.RelayFees)
		if charge.Cmp(limit) > 0 {
			return fmt.Errorf("%w: charged %s, at most %s", ErrChargeMismatch, charge, limit)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFeeMode, mode)
	}
	return nil
}

// Settlement is a relayed request together with its mined receipt
type Settlement struct {
	Signed   *common.SignedRelayRequest
	Response *server.RelayTransactionResponse
	Receipt  *common.RelayReceipt
}

// RelayAndSettle builds, signs and relays a request, then waits for it to be
// mined and checks the charge
func (c *RelayClient) RelayAndSettle(ctx context.Context, params RequestParams, key *ecdsa.PrivateKey) (*Settlement, error) {
	info, err := c.GetRelayInfo(ctx)
	if err != nil {
		return nil, err
	}

	req, err := c.BuildRequest(ctx, info, params)
	if err != nil {
		return nil, err
	}
	signed, err := c.SignRequest(req, key)
	if err != nil {
		return nil, err
	}

	resp, err := c.Relay(ctx, signed)
	if err != nil {
		return &Settlement{Signed: signed, Response: resp}, err
	}

	log := c.log.WithFields(logrus.Fields{
		"txHash":      resp.TxHash.Hex(),
		"requestHash": resp.RequestHash.Hex(),
	})
	log.Debug("request relayed, waiting for settlement")

	receipt, err := c.WaitForSettlement(ctx, resp.TxHash)
	settlement := &Settlement{Signed: signed, Response: resp, Receipt: receipt}
	if err != nil {
		return settlement, err
	}

	if err := VerifyCharge(info.FeeConfig.Mode(), &signed.Request, receipt.Event); err != nil {
		log.WithError(err).Warn("unexpected charge")
		return settlement, err
	}

	log.WithFields(logrus.Fields{
		"status": receipt.Event.Status.String(),
		"charge": common.BigOrZero(receipt.Event.Charge).String(),
	}).Info("request settled")
	return settlement, nil
}

// SubscribeSettlements streams settlement events from the relay until ctx is
// done. Dropped connections are retried with exponential backoff.
func (c *RelayClient) SubscribeSettlements(ctx context.Context, handler func(*server.SettlementEvent)) error {
	sseClient := sse.NewClient(c.relayURL + "/relay/v1/events")
	sseClient.ReconnectStrategy = backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	log := c.log.WithField("stream", "settlements")
	log.Info("subscribing to settlement events")

	err := sseClient.SubscribeWithContext(ctx, "settlements", func(msg *sse.Event) {
		if msg == nil || len(msg.Data) == 0 {
			return
		}
		event := new(server.SettlementEvent)
		if err := json.Unmarshal(msg.Data, event); err != nil {
			log.WithError(err).Warn("could not decode settlement event")
			return
		}
		handler(event)
	})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
