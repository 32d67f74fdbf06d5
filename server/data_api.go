package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/database"
	"github.com/bloXroute-Labs/meta-tx-relay/penalizer"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

const dataAPIMaxLimit = 100

// RelayedTransactionJSON is a relayed transaction as served by the data API
type RelayedTransactionJSON struct {
	ID               int64  `json:"id,string"`
	TxHash           string `json:"txHash"`
	RequestHash      string `json:"requestHash"`
	RelayWorker      string `json:"relayWorker"`
	WorkerNonce      uint64 `json:"workerNonce,string"`
	Sender           string `json:"sender"`
	Target           string `json:"target"`
	Paymaster        string `json:"paymaster"`
	FeeMode          string `json:"feeMode"`
	BaseRelayFee     string `json:"baseRelayFee"`
	PctRelayFee      string `json:"pctRelayFee"`
	GasPrice         string `json:"gasPrice"`
	ExternalGasLimit string `json:"externalGasLimit"`
	TxGasLimit       uint64 `json:"txGasLimit,string"`
	SubmittedAt      int64  `json:"submittedAtMs,string"`
}

// PenalizationJSON is a recorded verdict as served by the data API
type PenalizationJSON struct {
	Fingerprint  string `json:"fingerprint"`
	Outcome      string `json:"outcome"`
	Reason       string `json:"reason"`
	RelayWorker  string `json:"relayWorker"`
	RelayManager string `json:"relayManager"`
	Reporter     string `json:"reporter"`
	Slashed      string `json:"slashed"`
	Bounty       string `json:"bounty"`
	DecidedAt    int64  `json:"decidedAtMs,string"`
}

// parseLimit reads the limit argument, capped at dataAPIMaxLimit
func parseLimit(raw string) (uint64, error) {
	if raw == "" {
		return dataAPIMaxLimit, nil
	}
	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid limit argument")
	}
	if limit > dataAPIMaxLimit {
		return 0, fmt.Errorf("maximum limit is %d", dataAPIMaxLimit)
	}
	return limit, nil
}

func (m *RelayService) handleDataRelayedTransactions(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	success := false
	defer func() {
		m.performanceStats.SetEndpointStats(pathDataRelayed, time.Since(start), success)
	}()

	var err error
	args := req.URL.Query()
	filters := database.GetRelayedTransactionsFilters{}

	if args.Get("sender") != "" {
		if !ethcommon.IsHexAddress(args.Get("sender")) {
			m.respondError(w, http.StatusBadRequest, "invalid sender argument")
			return
		}
		filters.Sender = ethcommon.HexToAddress(args.Get("sender")).String()
	}

	if args.Get("relay_worker") != "" {
		if !ethcommon.IsHexAddress(args.Get("relay_worker")) {
			m.respondError(w, http.StatusBadRequest, "invalid relay_worker argument")
			return
		}
		filters.RelayWorker = ethcommon.HexToAddress(args.Get("relay_worker")).String()
	}

	if args.Get("cursor") != "" {
		filters.Cursor, err = strconv.ParseInt(args.Get("cursor"), 10, 64)
		if err != nil || filters.Cursor < 0 {
			m.respondError(w, http.StatusBadRequest, "invalid cursor argument")
			return
		}
	}

	filters.Limit, err = parseLimit(args.Get("limit"))
	if err != nil {
		m.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := m.datastore.GetRelayedTransactions(req.Context(), filters)
	if err != nil {
		m.log.WithError(err).Error("error getting relayed transactions")
		m.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := []RelayedTransactionJSON{}
	for _, entry := range entries {
		response = append(response, RelayedTransactionJSON{
			ID:               entry.ID,
			TxHash:           entry.TxHash,
			RequestHash:      entry.RequestHash,
			RelayWorker:      entry.RelayWorker,
			WorkerNonce:      entry.WorkerNonce,
			Sender:           entry.Sender,
			Target:           entry.Target,
			Paymaster:        entry.Paymaster,
			FeeMode:          entry.FeeMode,
			BaseRelayFee:     entry.BaseRelayFee,
			PctRelayFee:      entry.PctRelayFee,
			GasPrice:         entry.GasPrice,
			ExternalGasLimit: entry.ExternalGasLimit,
			TxGasLimit:       entry.TxGasLimit,
			SubmittedAt:      entry.InsertedAt.UnixMilli(),
		})
	}

	success = true
	m.respondOK(w, response)
}

func (m *RelayService) handleDataPenalizations(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	success := false
	defer func() {
		m.performanceStats.SetEndpointStats(pathDataPenalizations, time.Since(start), success)
	}()

	var err error
	args := req.URL.Query()
	filters := database.GetPenalizationsFilters{}

	if args.Get("relay_manager") != "" {
		if !ethcommon.IsHexAddress(args.Get("relay_manager")) {
			m.respondError(w, http.StatusBadRequest, "invalid relay_manager argument")
			return
		}
		filters.RelayManager = ethcommon.HexToAddress(args.Get("relay_manager")).String()
	}

	switch outcome := args.Get("outcome"); outcome {
	case "":
	case penalizer.Clean.String(), penalizer.Slashed.String():
		filters.Outcome = outcome
	default:
		m.respondError(w, http.StatusBadRequest, "invalid outcome argument")
		return
	}

	filters.Limit, err = parseLimit(args.Get("limit"))
	if err != nil {
		m.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := m.datastore.GetPenalizations(req.Context(), filters)
	if err != nil {
		m.log.WithError(err).Error("error getting penalizations")
		m.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := []PenalizationJSON{}
	for _, entry := range entries {
		response = append(response, PenalizationJSON{
			Fingerprint:  entry.Fingerprint,
			Outcome:      entry.Outcome,
			Reason:       entry.Reason,
			RelayWorker:  entry.RelayWorker,
			RelayManager: entry.RelayManager,
			Reporter:     entry.Reporter,
			Slashed:      entry.Slashed,
			Bounty:       entry.Bounty,
			DecidedAt:    entry.InsertedAt.UnixMilli(),
		})
	}

	success = true
	m.respondOK(w, response)
}
