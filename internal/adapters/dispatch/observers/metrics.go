package observers

import (
	"context"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/pkg/metrics"
)

// Metrics counts committed points, badge tiers and rank transitions.
// Rule firings are counted at evaluation time.
type Metrics struct{}

// NewMetrics creates a Metrics observer.
func NewMetrics() *Metrics { return &Metrics{} }

// Name implements dispatch.Named.
func (*Metrics) Name() string { return "metrics" }

// OnChange implements dispatch.Observer.
func (*Metrics) OnChange(_ context.Context, c model.CommittedChange) error { //nolint:gocritic // hugeParam: observers get their own copy
	for _, p := range c.Points {
		metrics.RecordPoints(p.Amount)
	}
	for _, b := range c.Badges {
		metrics.RecordBadgeGranted(b.Name)
	}
	if c.Rank != nil {
		metrics.RecordRankTransition(c.Rank.To)
	}
	return nil
}
