// Package observers holds the built-in change observers.
package observers

import (
	"context"

	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/pkg/logger"
)

// Logging writes one structured log line per committed change.
type Logging struct {
	log logger.Logger
}

// NewLogging creates a Logging observer. A nil logger uses the global one.
func NewLogging(l logger.Logger) *Logging {
	if l == nil {
		l = logger.Default()
	}
	return &Logging{log: l.Named("changes")}
}

// Name implements dispatch.Named.
func (o *Logging) Name() string { return "logging" }

// OnChange implements dispatch.Observer.
func (o *Logging) OnChange(ctx context.Context, c model.CommittedChange) error { //nolint:gocritic // hugeParam: observers get their own copy
	fields := []logger.Field{
		logger.String("change", c.ID),
		logger.String("subject", c.SubjectID),
		logger.String("event", c.EventName),
		logger.Int64("points_before", c.PointsBefore),
		logger.Int64("points_after", c.PointsAfter),
		logger.Int("point_grants", len(c.Points)),
		logger.Int("badge_grants", len(c.Badges)),
		logger.Uint64("version", c.Version),
	}
	if c.Rank != nil {
		fields = append(fields, logger.String("rank_from", c.Rank.From), logger.String("rank_to", c.Rank.To))
	}
	o.log.Info(ctx, "reputation changed", fields...)
	return nil
}
