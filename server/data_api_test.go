package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/database"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDataRelayedTransactions(t *testing.T) {
	db := &database.MockDB{}
	be := newTestBackendWithDB(t, bidModeConfig(t), db)

	sender := "0x000000000000000000000000000000000000aBcD"
	entry := &database.RelayedTransactionEntry{
		ID:           42,
		InsertedAt:   time.UnixMilli(1700000000000),
		TxHash:       "0x01",
		Sender:       ethcommon.HexToAddress(sender).String(),
		FeeMode:      "baseRelayFeeBid",
		BaseRelayFee: "1000000000000",
		TxGasLimit:   300000,
	}
	db.On("GetRelayedTransactions", mock.Anything, database.GetRelayedTransactionsFilters{
		Sender: ethcommon.HexToAddress(sender).String(),
		Cursor: 50,
		Limit:  10,
	}).Return([]*database.RelayedTransactionEntry{entry}, nil).Once()

	rr := be.request(t, http.MethodGet, pathDataRelayed+"?sender="+sender+"&cursor=50&limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp []RelayedTransactionJSON
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	require.Equal(t, int64(42), resp[0].ID)
	require.Equal(t, "1000000000000", resp[0].BaseRelayFee)
	require.Equal(t, int64(1700000000000), resp[0].SubmittedAt)
	db.AssertExpectations(t)
}

func TestDataRelayedTransactionsArguments(t *testing.T) {
	db := &database.MockDB{}
	be := newTestBackendWithDB(t, bidModeConfig(t), db)

	testCases := []struct {
		query   string
		message string
	}{
		{"?sender=nope", "invalid sender argument"},
		{"?relay_worker=0x12", "invalid relay_worker argument"},
		{"?cursor=-1", "invalid cursor argument"},
		{"?limit=abc", "invalid limit argument"},
		{"?limit=101", "maximum limit is 100"},
	}
	for _, tc := range testCases {
		t.Run(tc.query, func(t *testing.T) {
			rr := be.request(t, http.MethodGet, pathDataRelayed+tc.query, nil)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.Equal(t, tc.message, decodeError(t, rr).Message)
		})
	}
	db.AssertNotCalled(t, "GetRelayedTransactions", mock.Anything, mock.Anything)
}

func TestDataRelayedTransactionsDatabaseError(t *testing.T) {
	db := &database.MockDB{}
	be := newTestBackendWithDB(t, bidModeConfig(t), db)

	db.On("GetRelayedTransactions", mock.Anything, database.GetRelayedTransactionsFilters{Limit: 100}).
		Return([]*database.RelayedTransactionEntry(nil), errors.New("connection refused"))

	rr := be.request(t, http.MethodGet, pathDataRelayed, nil)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "connection refused", decodeError(t, rr).Message)
}

func TestDataPenalizations(t *testing.T) {
	db := &database.MockDB{}
	be := newTestBackendWithDB(t, bidModeConfig(t), db)

	manager := be.network.Manager.String()
	db.On("GetPenalizations", mock.Anything, database.GetPenalizationsFilters{
		RelayManager: manager,
		Outcome:      "Slashed",
		Limit:        100,
	}).Return([]*database.PenalizationEntry{{
		Fingerprint:  "0xfeed",
		Outcome:      "Slashed",
		Reason:       "tx gas limit differs from the signed externalGasLimit",
		RelayManager: manager,
		Slashed:      "1000",
		Bounty:       "500",
	}}, nil).Once()

	rr := be.request(t, http.MethodGet, pathDataPenalizations+"?relay_manager="+manager+"&outcome=Slashed", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp []PenalizationJSON
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	require.Equal(t, "500", resp[0].Bounty)
	require.Equal(t, manager, resp[0].RelayManager)

	rr = be.request(t, http.MethodGet, pathDataPenalizations+"?outcome=Maybe", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid outcome argument", decodeError(t, rr).Message)
	db.AssertExpectations(t)
}

func TestDataAPIWithoutDatabase(t *testing.T) {
	be := newTestBackend(t, bidModeConfig(t))

	for _, path := range []string{pathDataRelayed, pathDataPenalizations} {
		rr := be.request(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		require.JSONEq(t, "[]", rr.Body.String())
	}
}
