// Package feepolicy decides whether the fee fields of a relay request are
// acceptable for a pricing mode. It has no I/O and is shared by off-chain
// admission and on-chain settlement.
package feepolicy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/bloXroute-Labs/meta-tx-relay/common"
)

var ErrInvalidConfig = errors.New("invalid fee config")

// Pricing is one of FlatBid or Percentage
type Pricing interface {
	Mode() common.FeeMode
	isPricing()
}

// FlatBid charges exactly the signed baseRelayFee per transaction
type FlatBid struct {
	minBaseRelayFee *big.Int
}

func (FlatBid) Mode() common.FeeMode { return common.FeeModeFlatBid }
func (FlatBid) isPricing()           {}

// MinBaseRelayFee is the lowest bid the server accepts
func (f FlatBid) MinBaseRelayFee() *big.Int { return common.BigOrZero(f.minBaseRelayFee) }

// Percentage charges gas cost plus pctRelayFee percent plus baseRelayFee.
// A zero maximum means unbounded.
type Percentage struct {
	minPctRelayFee  *big.Int
	minBaseRelayFee *big.Int
	maxBaseRelayFee *big.Int
	minGasPrice     *big.Int
	maxGasPrice     *big.Int
}

func (Percentage) Mode() common.FeeMode { return common.FeeModePercentage }
func (Percentage) isPricing()           {}

func (p Percentage) MinPctRelayFee() *big.Int  { return common.BigOrZero(p.minPctRelayFee) }
func (p Percentage) MinBaseRelayFee() *big.Int { return common.BigOrZero(p.minBaseRelayFee) }
func (p Percentage) MaxBaseRelayFee() *big.Int { return common.BigOrZero(p.maxBaseRelayFee) }
func (p Percentage) MinGasPrice() *big.Int     { return common.BigOrZero(p.minGasPrice) }
func (p Percentage) MaxGasPrice() *big.Int     { return common.BigOrZero(p.maxGasPrice) }

// ServerFeeConfig is built once at startup and shared read-only by every
// request handler. Changing the mode requires a restart.
type ServerFeeConfig struct {
	pricing Pricing
}

// NewFlatBidConfig returns a bid-mode config with the given minimum bid
func NewFlatBidConfig(minBaseRelayFee *big.Int) (*ServerFeeConfig, error) {
	if minBaseRelayFee == nil || minBaseRelayFee.Sign() < 0 {
		return nil, fmt.Errorf("%w: minBaseRelayFee must be non-negative", ErrInvalidConfig)
	}
	return &ServerFeeConfig{pricing: FlatBid{minBaseRelayFee: common.BigOrZero(minBaseRelayFee)}}, nil
}

// PercentageParams are the bounds of a percentage-mode server
type PercentageParams struct {
	MinPctRelayFee  *big.Int
	MinBaseRelayFee *big.Int
	MaxBaseRelayFee *big.Int
	MinGasPrice     *big.Int
	MaxGasPrice     *big.Int
}

// NewPercentageConfig returns a percentage-mode config
func NewPercentageConfig(params PercentageParams) (*ServerFeeConfig, error) {
	p := Percentage{
		minPctRelayFee:  common.BigOrZero(params.MinPctRelayFee),
		minBaseRelayFee: common.BigOrZero(params.MinBaseRelayFee),
		maxBaseRelayFee: common.BigOrZero(params.MaxBaseRelayFee),
		minGasPrice:     common.BigOrZero(params.MinGasPrice),
		maxGasPrice:     common.BigOrZero(params.MaxGasPrice),
	}
	for name, v := range map[string]*big.Int{
		"minPctRelayFee":  p.minPctRelayFee,
		"minBaseRelayFee": p.minBaseRelayFee,
		"maxBaseRelayFee": p.maxBaseRelayFee,
		"minGasPrice":     p.minGasPrice,
		"maxGasPrice":     p.maxGasPrice,
	} {
		if v.Sign() < 0 {
			return nil, fmt.Errorf("%w: %s must be non-negative", ErrInvalidConfig, name)
		}
	}
	if p.maxBaseRelayFee.Sign() > 0 && p.maxBaseRelayFee.Cmp(p.minBaseRelayFee) < 0 {
		return nil, fmt.Errorf("%w: maxBaseRelayFee below minBaseRelayFee", ErrInvalidConfig)
	}
	if p.maxGasPrice.Sign() > 0 && p.maxGasPrice.Cmp(p.minGasPrice) < 0 {
		return nil, fmt.Errorf("%w: maxGasPrice below minGasPrice", ErrInvalidConfig)
	}
	return &ServerFeeConfig{pricing: p}, nil
}

func (c *ServerFeeConfig) Mode() common.FeeMode {
	if c == nil || c.pricing == nil {
		return common.FeeModeUnknown
	}
	return c.pricing.Mode()
}

func (c *ServerFeeConfig) Pricing() Pricing {
	return c.pricing
}

// ConfigFile is the JSON form of a ServerFeeConfig. Amounts are base-10 strings.
type ConfigFile struct {
	Mode            common.FeeMode `json:"mode"`
	MinPctRelayFee  string         `json:"minPctRelayFee,omitempty"`
	MinBaseRelayFee string         `json:"minBaseRelayFee,omitempty"`
	MaxBaseRelayFee string         `json:"maxBaseRelayFee,omitempty"`
	MinGasPrice     string         `json:"minGasPrice,omitempty"`
	MaxGasPrice     string         `json:"maxGasPrice,omitempty"`
}

// Describe returns the advertised form of the config
func (c *ServerFeeConfig) Describe() ConfigFile {
	switch p := c.pricing.(type) {
	case FlatBid:
		return ConfigFile{Mode: common.FeeModeFlatBid, MinBaseRelayFee: p.MinBaseRelayFee().String()}
	case Percentage:
		return ConfigFile{
			Mode:            common.FeeModePercentage,
			MinPctRelayFee:  p.MinPctRelayFee().String(),
			MinBaseRelayFee: p.MinBaseRelayFee().String(),
			MaxBaseRelayFee: p.MaxBaseRelayFee().String(),
			MinGasPrice:     p.MinGasPrice().String(),
			MaxGasPrice:     p.MaxGasPrice().String(),
		}
	}
	return ConfigFile{}
}

// ParseConfig builds a ServerFeeConfig from its JSON form
func ParseConfig(data []byte) (*ServerFeeConfig, error) {
	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return file.Build()
}

// Build converts the file form into an immutable config
func (f ConfigFile) Build() (*ServerFeeConfig, error) {
	values := make(map[string]*big.Int)
	for name, s := range map[string]string{
		"minPctRelayFee":  f.MinPctRelayFee,
		"minBaseRelayFee": f.MinBaseRelayFee,
		"maxBaseRelayFee": f.MaxBaseRelayFee,
		"minGasPrice":     f.MinGasPrice,
		"maxGasPrice":     f.MaxGasPrice,
	} {
		v, err := common.ParseDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		values[name] = v
	}

	switch f.Mode {
	case common.FeeModeFlatBid:
		return NewFlatBidConfig(values["minBaseRelayFee"])
	case common.FeeModePercentage:
		return NewPercentageConfig(PercentageParams{
			MinPctRelayFee:  values["minPctRelayFee"],
			MinBaseRelayFee: values["minBaseRelayFee"],
			MaxBaseRelayFee: values["maxBaseRelayFee"],
			MinGasPrice:     values["minGasPrice"],
			MaxGasPrice:     values["maxGasPrice"],
		})
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, common.ErrInvalidFeeMode)
	}
}
