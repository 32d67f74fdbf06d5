package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bloXroute-Labs/meta-tx-relay/feepolicy"
)

const (
	configFilesUpdateInterval = 30 * time.Minute

	defaultRelayTxGasLimit        = 300000
	defaultNonceLookahead         = 5
	defaultDepositMarginPct       = 10
	defaultRequestTimeout         = 5 * time.Second
	defaultSettlementPollInterval = time.Second
	defaultSettlementTimeout      = 10 * time.Minute
	defaultDepositCacheTTL        = 2 * time.Second
	defaultRecentRelaysCacheSize  = 4096
	defaultRateLimitPerSecond     = 20

	/*
		The rate limit exemption file lists caller IPs that skip the per-IP limit,
		e.g. a client SDK integration test runner behind a fixed address.
		Example file format:
		{
			"exempt_ips": {"10.0.0.7": true, "10.0.0.8": false}
		}
		Entries are merged into the existing set, so an IP is removed by setting
		it to false rather than deleting it.
	*/
	rateLimitExemptConfigFile = "config_files/rate_limit_exempt.json"
)

// LoadFeeConfigFile reads a fee configuration such as
//
//	{"mode": "baseRelayFeeBid", "minBaseRelayFee": "1000000000000"}
func LoadFeeConfigFile(path string) (*feepolicy.ServerFeeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read fee config %s: %w", path, err)
	}
	return feepolicy.ParseConfig(data)
}

type RateLimitExemptData struct {
	ExemptIPs map[string]bool `json:"exempt_ips"`
}

// loadRateLimitExemptions merges the exemption file into the current set
func (m *RelayService) loadRateLimitExemptions() {
	path := m.rateLimitExemptFile
	if path == "" {
		path = rateLimitExemptConfigFile
	}
	f, err := os.Open(path)
	if err != nil {
		m.log.Debugf("could not load rate limit exemptions, %v", err)
		return
	}
	defer f.Close()

	var data RateLimitExemptData
	if err := json.NewDecoder(f).Decode(&data); err != nil {
		m.log.Errorf("could not load rate limit exemptions, %v", err)
		return
	}

	for ip, exempt := range data.ExemptIPs {
		m.rateLimitExempt.Store(strings.TrimSpace(ip), exempt)
	}

	m.log.WithField("rateLimitExemptSize", m.rateLimitExempt.Size()).Info("rate limit exemptions successfully loaded")
}

// StartConfigFilesLoading reloads the config files every 30 minutes
func (m *RelayService) StartConfigFilesLoading(ctx context.Context) {
	m.loadRateLimitExemptions()

	ticker := time.NewTicker(configFilesUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.loadRateLimitExemptions()
		}
	}
}
