package orchestrator

import (
	"context"

	"github.com/synod-ai/synod/pkg/provider/llm"
)

// usageCounters accumulates per-process request totals. All access goes
// through the orchestrator mutex.
type usageCounters struct {
	requests   uint64
	completed  uint64
	failed     uint64
	cancelled  uint64
	refused    uint64
	multiVoice uint64
	audited    uint64
	speed      uint64
	quality    uint64

	auditScoreSum float64
	confidenceSum float64
}

// countTier attributes one recorded request to its routed tier.
func (u *usageCounters) countTier(tier llm.Tier) {
	switch tier {
	case llm.TierSpeed:
		u.speed++
	case llm.TierQuality:
		u.quality++
	}
}

// UsageStats is a point-in-time snapshot of request totals since the
// orchestrator was constructed.
type UsageStats struct {
	Requests  uint64 `json:"requests"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Refused   uint64 `json:"refused"`

	MultiVoice      uint64 `json:"multiVoice"`
	SpeedRequests   uint64 `json:"speedRequests"`
	QualityRequests uint64 `json:"qualityRequests"`
	Audited         uint64 `json:"audited"`

	// AvgAuditScore averages the 0-100 audit scores over audited requests.
	AvgAuditScore float64 `json:"avgAuditScore"`

	// AvgConfidence averages final confidence over completed requests.
	AvgConfidence float64 `json:"avgConfidence"`
}

// Stats reports accumulated usage totals.
func (o *Orchestrator) Stats() UsageStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := UsageStats{
		Requests:        o.usage.requests,
		Completed:       o.usage.completed,
		Failed:          o.usage.failed,
		Cancelled:       o.usage.cancelled,
		Refused:         o.usage.refused,
		MultiVoice:      o.usage.multiVoice,
		SpeedRequests:   o.usage.speed,
		QualityRequests: o.usage.quality,
		Audited:         o.usage.audited,
	}
	if o.usage.audited > 0 {
		s.AvgAuditScore = o.usage.auditScoreSum / float64(o.usage.audited)
	}
	if o.usage.completed > 0 {
		s.AvgConfidence = o.usage.confidenceSum / float64(o.usage.completed)
	}
	return s
}

// BackendStatus describes one pooled backend for status reporting.
type BackendStatus struct {
	Name    string   `json:"name"`
	Tier    llm.Tier `json:"tier"`
	Healthy bool     `json:"healthy"`

	// Load is the number of requests in flight on the backend's tier.
	Load int `json:"load"`

	// SuccessRate is the recent tier-level success rate, when history
	// exists.
	SuccessRate float64 `json:"successRate,omitempty"`
}

// Status reports every pooled backend with its health, tier load, and
// recent success rate. Returns [ErrNoBackend] when nothing is healthy, so
// callers can distinguish a degraded pool from an empty report.
func (o *Orchestrator) Status(ctx context.Context) ([]BackendStatus, error) {
	backends := o.pool.Backends()
	statuses := make([]BackendStatus, 0, len(backends))
	healthy := 0
	for _, b := range backends {
		st := BackendStatus{
			Name:    b.Name(),
			Tier:    b.Tier(),
			Healthy: o.pool.Healthy(ctx, b),
			Load:    o.pool.Load(b.Tier()),
		}
		if st.Healthy {
			healthy++
		}
		if o.perf != nil {
			if rate, ok := o.perf.TierSuccessRate(b.Tier()); ok {
				st.SuccessRate = rate
			}
		}
		statuses = append(statuses, st)
	}
	if healthy == 0 {
		return statuses, ErrNoBackend
	}
	return statuses, nil
}
