package feepolicy

import (
	"math/big"
	"testing"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
	"github.com/stretchr/testify/require"
)

var minBid = big.NewInt(1000000000000)

func bidFees(base int64) common.RelayFees {
	return common.RelayFees{
		PctRelayFee:      big.NewInt(0),
		BaseRelayFee:     big.NewInt(base),
		GasPrice:         big.NewInt(0),
		ExternalGasLimit: big.NewInt(0),
	}
}

func newBidConfig(t *testing.T) *ServerFeeConfig {
	t.Helper()
	cfg, err := NewFlatBidConfig(minBid)
	require.NoError(t, err)
	return cfg
}

func newPercentageConfig(t *testing.T) *ServerFeeConfig {
	t.Helper()
	cfg, err := NewPercentageConfig(PercentageParams{
		MinPctRelayFee:  big.NewInt(10),
		MinBaseRelayFee: big.NewInt(100),
		MaxBaseRelayFee: big.NewInt(1000),
		MinGasPrice:     big.NewInt(1000000000),
		MaxGasPrice:     big.NewInt(500000000000),
	})
	require.NoError(t, err)
	return cfg
}

func TestValidateBidMode(t *testing.T) {
	cfg := newBidConfig(t)

	t.Run("bid too low", func(t *testing.T) {
		rej := Validate(cfg, bidFees(7777))
		require.NotNil(t, rej)
		require.Equal(t, FieldBaseRelayFee, rej.Field)
		require.Contains(t, rej.Reason, "bid too low: proposed 7777")
		require.Contains(t, rej.Reason, "Refusing to relay a transaction in a baseRelayFeeBidMode. Proposed baseRelayFee: 7777")
	})

	t.Run("minimum bid is accepted", func(t *testing.T) {
		require.Nil(t, Validate(cfg, common.RelayFees{BaseRelayFee: minBid}))
	})

	t.Run("forbidden fields", func(t *testing.T) {
		testCases := []struct {
			field string
			fees  common.RelayFees
		}{
			{FieldPctRelayFee, common.RelayFees{PctRelayFee: big.NewInt(7777), BaseRelayFee: minBid}},
			{FieldGasPrice, common.RelayFees{GasPrice: big.NewInt(1), BaseRelayFee: minBid}},
			{FieldExternalGasLimit, common.RelayFees{ExternalGasLimit: big.NewInt(21000), BaseRelayFee: minBid}},
		}
		for _, tc := range testCases {
			rej := Validate(cfg, tc.fees)
			require.NotNil(t, rej, tc.field)
			require.Equal(t, tc.field, rej.Field)
			require.Contains(t, rej.Reason, tc.field+" forbidden in bid mode")
		}
	})

	t.Run("pctRelayFee message", func(t *testing.T) {
		fees := bidFees(7777)
		fees.PctRelayFee = big.NewInt(7777)
		rej := Validate(cfg, fees)
		require.NotNil(t, rej)
		require.Contains(t, rej.Reason, "This server is running in a baseRelayFee bid mode, setting pctRelayFee is forbidden!")
	})

	t.Run("negative fee is rejected", func(t *testing.T) {
		rej := Validate(cfg, common.RelayFees{BaseRelayFee: big.NewInt(-1)})
		require.NotNil(t, rej)
		require.Equal(t, "negative baseRelayFee: -1", rej.Reason)
	})

	t.Run("nil config", func(t *testing.T) {
		require.NotNil(t, Validate(nil, bidFees(1)))
	})
}

func TestValidatePercentageMode(t *testing.T) {
	cfg := newPercentageConfig(t)
	good := common.RelayFees{
		PctRelayFee:      big.NewInt(10),
		BaseRelayFee:     big.NewInt(100),
		GasPrice:         big.NewInt(1000000000),
		ExternalGasLimit: big.NewInt(100000),
	}
	require.Nil(t, Validate(cfg, good))

	upper := good
	upper.BaseRelayFee = big.NewInt(1000)
	upper.GasPrice = big.NewInt(500000000000)
	require.Nil(t, Validate(cfg, upper))

	testCases := []struct {
		name   string
		mutate func(f *common.RelayFees)
		field  string
	}{
		{"pct below minimum", func(f *common.RelayFees) { f.PctRelayFee = big.NewInt(9) }, FieldPctRelayFee},
		{"base below minimum", func(f *common.RelayFees) { f.BaseRelayFee = big.NewInt(99) }, FieldBaseRelayFee},
		{"base above maximum", func(f *common.RelayFees) { f.BaseRelayFee = big.NewInt(1001) }, FieldBaseRelayFee},
		{"gas price below minimum", func(f *common.RelayFees) { f.GasPrice = big.NewInt(999999999) }, FieldGasPrice},
		{"gas price above maximum", func(f *common.RelayFees) { f.GasPrice = big.NewInt(500000000001) }, FieldGasPrice},
		{"missing externalGasLimit", func(f *common.RelayFees) { f.ExternalGasLimit = nil }, FieldExternalGasLimit},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fees := good
			tc.mutate(&fees)
			rej := Validate(cfg, fees)
			require.NotNil(t, rej)
			require.Equal(t, tc.field, rej.Field)
		})
	}
}

func TestValidateShape(t *testing.T) {
	require.Nil(t, ValidateShape(common.FeeModeFlatBid, bidFees(1)))
	require.NotNil(t, ValidateShape(common.FeeModeFlatBid, common.RelayFees{GasPrice: big.NewInt(1)}))
	require.NotNil(t, ValidateShape(common.FeeModePercentage, common.RelayFees{}))
	require.NotNil(t, ValidateShape(common.FeeModeUnknown, common.RelayFees{}))
}

func TestCharge(t *testing.T) {
	fees := common.RelayFees{
		PctRelayFee:      big.NewInt(10),
		BaseRelayFee:     big.NewInt(5),
		GasPrice:         big.NewInt(100),
		ExternalGasLimit: big.NewInt(1000),
	}
	// 500 * 100 * 110 / 100 + 5
	require.Equal(t, big.NewInt(55005), Charge(common.FeeModePercentage, fees, big.NewInt(500)))
	require.Equal(t, big.NewInt(110005), MaxPossibleCharge(common.FeeModePercentage, fees))
	require.Equal(t, big.NewInt(121005), WorstCaseCharge(common.FeeModePercentage, fees, 10))

	bid := bidFees(7777)
	require.Equal(t, big.NewInt(7777), Charge(common.FeeModeFlatBid, bid, big.NewInt(123456)))
	require.Equal(t, 0, MaxPossibleGas(common.FeeModeFlatBid, bid).Sign())
	require.Equal(t, big.NewInt(7777), WorstCaseCharge(common.FeeModeFlatBid, bid, 50))
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"mode":"baseRelayFeeBid","minBaseRelayFee":"1000000000000"}`))
	require.NoError(t, err)
	require.Equal(t, common.FeeModeFlatBid, cfg.Mode())
	require.Equal(t, minBid, cfg.Pricing().(FlatBid).MinBaseRelayFee())

	cfg, err = ParseConfig([]byte(`{"mode":"pctRelayFee","minPctRelayFee":"10","minGasPrice":"1"}`))
	require.NoError(t, err)
	require.Equal(t, common.FeeModePercentage, cfg.Mode())
	require.Equal(t, "10", cfg.Describe().MinPctRelayFee)

	_, err = ParseConfig([]byte(`{"mode":"pctRelayFee","minGasPrice":"10","maxGasPrice":"1"}`))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseConfig([]byte(`{"minBaseRelayFee":"1"}`))
	require.ErrorIs(t, err, ErrInvalidConfig)
}
