// Package penalizer adjudicates evidence of relay misbehaviour. Evidence is a
// raw transaction signed by a relay worker plus the relay request the client
// signed. Every rule compares fields the relay controls against values the
// client signed, so an honest relay can never be slashed.
package penalizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/bloXroute-Labs/meta-tx-relay/hub"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

var ErrMalformedEvidence = errors.New("malformed evidence")

const (
	ReasonAlreadyAdjudicated = "evidence already adjudicated"
	ReasonNotRelayTx         = "not a relay transaction"
	ReasonUnknownWorker      = "unknown relay worker"
	ReasonFieldsDiverge      = "relay request fields diverge from signed request"
	ReasonEvidenceMismatch   = "evidence does not match transaction"
	ReasonInvalidSignature   = "request signature invalid"
	ReasonDeclaredGasLimit   = "declared externalGasLimit mismatch"
	ReasonTxGasLimit         = "transaction gas limit mismatch"
	ReasonNoViolation        = "no violation"
)

type Outcome uint8

const (
	Clean Outcome = iota
	Slashed
)

func (o Outcome) String() string {
	if o == Slashed {
		return "Slashed"
	}
	return "Clean"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Verdict is the result of adjudicating one piece of evidence
type Verdict struct {
	Outcome      Outcome           `json:"outcome"`
	Reason       string            `json:"reason"`
	Fingerprint  ethcommon.Hash    `json:"fingerprint"`
	RelayWorker  ethcommon.Address `json:"relayWorker"`
	RelayManager ethcommon.Address `json:"relayManager"`
	Reporter     ethcommon.Address `json:"reporter"`
	Slashed      *big.Int          `json:"slashed"`
	Bounty       *big.Int          `json:"bounty"`
}

// Slasher is the part of the hub the penalizer needs
type Slasher interface {
	Domain() common.Domain
	WorkerToManager(worker ethcommon.Address) (ethcommon.Address, bool)
	PenalizeRelayWorker(worker, beneficiary ethcommon.Address, schedule hub.PenaltySchedule) (*hub.Penalty, error)
}

type Penalizer struct {
	log      *logrus.Entry
	hub      Slasher
	store    EvidenceStore
	schedule hub.PenaltySchedule

	mu sync.Mutex
}

func NewPenalizer(log *logrus.Entry, slasher Slasher, store EvidenceStore, schedule hub.PenaltySchedule) *Penalizer {
	if store == nil {
		store = NewMemoryEvidenceStore()
	}
	return &Penalizer{
		log:      log.WithField("component", "penalizer"),
		hub:      slasher,
		store:    store,
		schedule: schedule,
	}
}

// Fingerprint identifies one piece of evidence
func Fingerprint(rawTx []byte) ethcommon.Hash {
	return crypto.Keccak256Hash(rawTx)
}

// Penalize adjudicates rawTx against the claimed signed request. Evidence is
// consumed once its verdict is final; a repeated submission is then Clean.
// A Clean verdict that rests on the claim leaves the evidence open, so a
// bogus claim cannot shield the raw transaction from a later true one.
func (p *Penalizer) Penalize(ctx context.Context, rawTx []byte, claimed *common.SignedRelayRequest, reporter ethcommon.Address) (*Verdict, error) {
	if claimed == nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, common.ErrMissingRequest)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fingerprint := Fingerprint(rawTx)
	verdict := &Verdict{
		Fingerprint: fingerprint,
		Reporter:    reporter,
		Slashed:     new(big.Int),
		Bounty:      new(big.Int),
	}

	consumed, err := p.store.IsConsumed(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if consumed {
		verdict.Reason = ReasonAlreadyAdjudicated
		return verdict, nil
	}

	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}
	domain := p.hub.Domain()
	worker, err := types.Sender(types.LatestSignerForChainID(domain.ChainID), tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvidence, err)
	}
	verdict.RelayWorker = worker

	verdict.Outcome, verdict.Reason = p.judge(domain, tx, worker, claimed, verdict)

	log := p.log.WithFields(logrus.Fields{
		"fingerprint": fingerprint.Hex(),
		"relayWorker": worker.Hex(),
		"outcome":     verdict.Outcome.String(),
		"reason":      verdict.Reason,
	})
	if !final(verdict) {
		log.Info("evidence adjudicated, left open for another claim")
		return verdict, nil
	}

	fresh, err := p.store.Consume(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return &Verdict{Fingerprint: fingerprint, Reporter: reporter, Reason: ReasonAlreadyAdjudicated, Slashed: new(big.Int), Bounty: new(big.Int)}, nil
	}

	if verdict.Outcome != Slashed {
		log.Info("evidence adjudicated")
		return verdict, nil
	}

	penalty, err := p.hub.PenalizeRelayWorker(worker, reporter, p.schedule)
	if err != nil {
		log.WithError(err).Error("could not slash relay manager")
		if releaseErr := p.store.Release(ctx, fingerprint); releaseErr != nil {
			log.WithError(releaseErr).Error("could not release evidence")
		}
		return nil, err
	}
	verdict.RelayManager = penalty.RelayManager
	verdict.Slashed = penalty.Slashed
	verdict.Bounty = penalty.Bounty
	log.WithFields(logrus.Fields{
		"relayManager": penalty.RelayManager.Hex(),
		"slashedEth":   common.WeiToEth(penalty.Slashed.String()),
		"bountyEth":    common.WeiToEth(penalty.Bounty.String()),
	}).Warn("relay manager slashed")
	return verdict, nil
}

// final reports whether no other claim for the same raw transaction can
// change the verdict. Only final verdicts consume the evidence.
func final(verdict *Verdict) bool {
	if verdict.Outcome == Slashed {
		return true
	}
	switch verdict.Reason {
	case ReasonNotRelayTx, ReasonNoViolation:
		return true
	}
	return false
}

func (p *Penalizer) judge(domain common.Domain, tx *types.Transaction, worker ethcommon.Address, claimed *common.SignedRelayRequest, verdict *Verdict) (Outcome, string) {
	if tx.To() == nil || *tx.To() != domain.RelayHub {
		return Clean, ReasonNotRelayTx
	}
	call, err := common.UnpackRelayCall(tx.Data())
	if err != nil {
		return Clean, ReasonNotRelayTx
	}

	manager, ok := p.hub.WorkerToManager(worker)
	if !ok {
		return Clean, ReasonUnknownWorker
	}
	verdict.RelayManager = manager

	claimedReq := &claimed.Request
	if !call.Request.Equal(claimedReq) {
		signedClaimed := common.SignedRelayRequest{Request: *claimedReq, Signature: call.Signature}
		signedEmbedded := common.SignedRelayRequest{Request: *call.Request, Signature: call.Signature}
		if signedClaimed.VerifySignature(domain) == nil && signedEmbedded.VerifySignature(domain) != nil {
			return Slashed, ReasonFieldsDiverge
		}
		return Clean, ReasonEvidenceMismatch
	}

	signed := common.SignedRelayRequest{Request: *claimedReq, Signature: call.Signature}
	if signed.VerifySignature(domain) != nil {
		return Clean, ReasonInvalidSignature
	}

	limit := common.BigOrZero(claimedReq.ExternalGasLimit)
	if common.BigOrZero(call.ExternalGasLimit).Cmp(limit) != 0 {
		return Slashed, ReasonDeclaredGasLimit
	}
	if limit.Sign() != 0 && new(big.Int).SetUint64(tx.Gas()).Cmp(limit) != 0 {
		return Slashed, ReasonTxGasLimit
	}
	return Clean, ReasonNoViolation
}
