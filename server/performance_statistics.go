package server

import (
	"sync"
	"time"
)

// DateFormat is the timestamp layout used by logs and stats records
const DateFormat = "2006-01-02T15:04:05.000000"

// EndpointStats are one endpoint's calls in an interval. Durations are in
// microseconds and cover successful calls only.
type EndpointStats struct {
	CountSuccesses int    `json:"count_successes"`
	CountFails     int    `json:"count_fails"`
	TotalDuration  uint64 `json:"total_duration"`
	MaxDuration    uint64 `json:"max_duration"`
	MeanDuration   uint64 `json:"mean_duration"`
}

func (s *EndpointStats) record(d time.Duration, success bool) {
	if !success {
		s.CountFails++
		return
	}
	micros := uint64(d.Microseconds())
	s.CountSuccesses++
	s.TotalDuration += micros
	if micros > s.MaxDuration {
		s.MaxDuration = micros
	}
}

// PerformanceStats collects EndpointStats until the interval is closed
type PerformanceStats struct {
	lock          *sync.Mutex
	intervalStart time.Time
	endpoints     map[string]*EndpointStats
}

func NewPerformanceStats() PerformanceStats {
	return PerformanceStats{
		lock:          &sync.Mutex{},
		intervalStart: time.Now(),
		endpoints:     make(map[string]*EndpointStats),
	}
}

// PerformanceStatsRecord is posted to the stats service once per interval
type PerformanceStatsRecord struct {
	Type           string                    `json:"type"`
	NodeID         string                    `json:"node_id,omitempty"`
	StartTime      string                    `json:"start_timestamp"`
	EndTime        string                    `json:"end_timestamp"`
	EndpointsStats map[string]*EndpointStats `json:"endpoints_stats"`
}

// CloseInterval returns the stats gathered since the previous call and
// starts a new interval at end
func (p *PerformanceStats) CloseInterval(end time.Time) PerformanceStatsRecord {
	p.lock.Lock()
	endpoints := p.endpoints
	start := p.intervalStart
	p.endpoints = make(map[string]*EndpointStats)
	p.intervalStart = end
	p.lock.Unlock()

	for _, s := range endpoints {
		if s.CountSuccesses > 0 {
			s.MeanDuration = s.TotalDuration / uint64(s.CountSuccesses)
		}
	}

	return PerformanceStatsRecord{
		Type:           "MetaTxRelayPerformance",
		StartTime:      start.Format(DateFormat),
		EndTime:        end.Format(DateFormat),
		EndpointsStats: endpoints,
	}
}

// SetEndpointStats records one call to endpoint
func (p *PerformanceStats) SetEndpointStats(endpoint string, duration time.Duration, success bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	s, ok := p.endpoints[endpoint]
	if !ok {
		s = &EndpointStats{}
		p.endpoints[endpoint] = s
	}
	s.record(duration, success)
}
