package feepolicy

import (
	"fmt"
	"math/big"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
)

// Field names used in rejections
const (
	FieldPctRelayFee      = "pctRelayFee"
	FieldBaseRelayFee     = "baseRelayFee"
	FieldGasPrice         = "gasPrice"
	FieldExternalGasLimit = "externalGasLimit"
	FieldFeeMode          = "feeMode"
)

const bidModeForbiddenFmt = "%s forbidden in bid mode. This server is running in a baseRelayFee bid mode, setting %s is forbidden!"

var percentBase = big.NewInt(100)

// Rejection names the first fee field that failed validation. Reason is part
// of the external contract and is surfaced verbatim.
type Rejection struct {
	Field  string
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

func reject(field, format string, args ...any) *Rejection {
	return &Rejection{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateShape checks the zero-tolerance field rules of mode. It has no
// notion of minimums and is what the hub enforces on-chain.
func ValidateShape(mode common.FeeMode, fees common.RelayFees) *Rejection {
	fees = fees.Normalized()
	if rej := checkNonNegative(fees); rej != nil {
		return rej
	}

	switch mode {
	case common.FeeModeFlatBid:
		for _, f := range []struct {
			name  string
			value *big.Int
		}{
			{FieldPctRelayFee, fees.PctRelayFee},
			{FieldGasPrice, fees.GasPrice},
			{FieldExternalGasLimit, fees.ExternalGasLimit},
		} {
			if f.value.Sign() != 0 {
				return reject(f.name, bidModeForbiddenFmt, f.name, f.name)
			}
		}
		return nil
	case common.FeeModePercentage:
		if fees.ExternalGasLimit.Sign() == 0 {
			return reject(FieldExternalGasLimit, "externalGasLimit required in pctRelayFee mode")
		}
		return nil
	default:
		return reject(FieldFeeMode, "unsupported fee mode: %s", mode)
	}
}

// Validate decides whether fees are acceptable under cfg. It never panics
// for a nil or partially filled request.
func Validate(cfg *ServerFeeConfig, fees common.RelayFees) *Rejection {
	if cfg == nil {
		return reject(FieldFeeMode, "unsupported fee mode: %s", common.FeeModeUnknown)
	}
	fees = fees.Normalized()

	switch p := cfg.pricing.(type) {
	case FlatBid:
		if rej := ValidateShape(common.FeeModeFlatBid, fees); rej != nil {
			return rej
		}
		if fees.BaseRelayFee.Cmp(p.minBaseRelayFee) < 0 {
			return reject(FieldBaseRelayFee,
				"bid too low: proposed %s. Refusing to relay a transaction in a baseRelayFeeBidMode. Proposed baseRelayFee: %s, minimum baseRelayFee: %s",
				fees.BaseRelayFee, fees.BaseRelayFee, p.minBaseRelayFee)
		}
		return nil

	case Percentage:
		if rej := checkNonNegative(fees); rej != nil {
			return rej
		}
		if fees.PctRelayFee.Cmp(p.minPctRelayFee) < 0 {
			return reject(FieldPctRelayFee, "Unacceptable pctRelayFee: %s relayServer's pctRelayFee: %s", fees.PctRelayFee, p.minPctRelayFee)
		}
		if fees.BaseRelayFee.Cmp(p.minBaseRelayFee) < 0 {
			return reject(FieldBaseRelayFee, "Unacceptable baseRelayFee: %s relayServer's baseRelayFee: %s", fees.BaseRelayFee, p.minBaseRelayFee)
		}
		if p.maxBaseRelayFee.Sign() > 0 && fees.BaseRelayFee.Cmp(p.maxBaseRelayFee) > 0 {
			return reject(FieldBaseRelayFee, "Unacceptable baseRelayFee: %s exceeds relayServer's maxBaseRelayFee: %s", fees.BaseRelayFee, p.maxBaseRelayFee)
		}
		if fees.GasPrice.Cmp(p.minGasPrice) < 0 {
			return reject(FieldGasPrice, "Unacceptable gasPrice: %s relayServer's gasPrice: %s", fees.GasPrice, p.minGasPrice)
		}
		if p.maxGasPrice.Sign() > 0 && fees.GasPrice.Cmp(p.maxGasPrice) > 0 {
			return reject(FieldGasPrice, "Unacceptable gasPrice: %s exceeds relayServer's maxGasPrice: %s", fees.GasPrice, p.maxGasPrice)
		}
		return ValidateShape(common.FeeModePercentage, fees)

	default:
		return reject(FieldFeeMode, "unsupported fee mode: %s", cfg.Mode())
	}
}

func checkNonNegative(fees common.RelayFees) *Rejection {
	for _, f := range []struct {
		name  string
		value *big.Int
	}{
		{FieldPctRelayFee, fees.PctRelayFee},
		{FieldBaseRelayFee, fees.BaseRelayFee},
		{FieldGasPrice, fees.GasPrice},
		{FieldExternalGasLimit, fees.ExternalGasLimit},
	} {
		if f.value.Sign() < 0 {
			return reject(f.name, "negative %s: %s", f.name, f.value)
		}
	}
	return nil
}

// Charge is what the paymaster pays for a relayed call that used gasUsed.
// In bid mode it is exactly baseRelayFee.
func Charge(mode common.FeeMode, fees common.RelayFees, gasUsed *big.Int) *big.Int {
	fees = fees.Normalized()
	if mode == common.FeeModeFlatBid {
		return fees.BaseRelayFee
	}
	gasCost := new(big.Int).Mul(common.BigOrZero(gasUsed), fees.GasPrice)
	gasCost.Mul(gasCost, new(big.Int).Add(percentBase, fees.PctRelayFee))
	gasCost.Div(gasCost, percentBase)
	return gasCost.Add(gasCost, fees.BaseRelayFee)
}

// MaxPossibleGas is the gas bound the hub reports to paymasters. Zero in bid mode.
func MaxPossibleGas(mode common.FeeMode, fees common.RelayFees) *big.Int {
	if mode == common.FeeModeFlatBid {
		return new(big.Int)
	}
	return common.BigOrZero(fees.ExternalGasLimit)
}

// MaxPossibleCharge is the highest charge the request can produce on-chain
func MaxPossibleCharge(mode common.FeeMode, fees common.RelayFees) *big.Int {
	return Charge(mode, fees, MaxPossibleGas(mode, fees))
}

// WorstCaseCharge is MaxPossibleCharge with the gas price raised by
// marginPct percent. Bid-mode charges do not depend on gas price.
func WorstCaseCharge(mode common.FeeMode, fees common.RelayFees, marginPct uint64) *big.Int {
	if mode == common.FeeModeFlatBid || marginPct == 0 {
		return MaxPossibleCharge(mode, fees)
	}
	fees = fees.Normalized()
	raised := new(big.Int).Mul(fees.GasPrice, new(big.Int).Add(percentBase, new(big.Int).SetUint64(marginPct)))
	fees.GasPrice = raised.Div(raised, percentBase)
	return MaxPossibleCharge(mode, fees)
}
