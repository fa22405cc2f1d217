package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/kudos/internal/adapters/dispatch"
	"github.com/okian/kudos/internal/adapters/ledger"
	"github.com/okian/kudos/internal/domain/dedupe"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rank"
	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/internal/domain/types"
	"github.com/okian/kudos/internal/engine"
	"github.com/okian/kudos/pkg/logger"
)

const defaultSimulateTop = 10

// SimulationResult summarizes a replayed event stream.
type SimulationResult struct {
	Events      int                     `json:"events"`
	Duplicates  int                     `json:"duplicates"`
	Rejected    int                     `json:"rejected"`
	Changes     []model.CommittedChange `json:"changes"`
	Leaderboard []ledger.Standing       `json:"leaderboard"`
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:          "simulate <rules.yaml> <events.jsonl>",
		Short:        "Replay events against an in-memory engine and print what would be granted",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: rootOpts.Verbose}
			return runSimulate(cmd.Context(), f, args[0], args[1], top)
		},
	}
	cmd.Flags().IntVar(&top, "top", defaultSimulateTop, "leaderboard rows to print")
	return cmd
}

func runSimulate(ctx context.Context, f *OutputFormatter, rulesPath, eventsPath string, top int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	file, err := rules.LoadFile(rulesPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	rs, ranks, err := file.Build()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	reqs, err := readEvents(eventsPath)
	if err != nil {
		return err
	}

	res, err := simulate(ctx, rs, ranks, reqs, top, f)
	if err != nil {
		return err
	}

	if f.isJSON() {
		return f.JSON(res)
	}
	for _, c := range res.Changes {
		f.Textf("%s v%d %s: %+d -> %d %s%s", c.SubjectID, c.Version, c.EventName,
			c.PointsAfter-c.PointsBefore, c.PointsAfter, badgeList(c.Badges), rankNote(c.Rank))
	}
	f.Textf("%d events, %d changes, %d duplicates, %d rejected", res.Events, len(res.Changes), res.Duplicates, res.Rejected)
	for _, s := range res.Leaderboard {
		f.Textf("%3d. %-24s %8d  %s", s.Position, s.SubjectID, s.Points, s.Rank)
	}
	return nil
}

func simulate(ctx context.Context, rs *rules.RuleSet, ranks *rank.Table, reqs []types.EventRequest, top int, f *OutputFormatter) (SimulationResult, error) {
	e := engine.New(ledger.New(ledger.NewMemoryStore(), ranks, ledger.WithLogger(logger.Nop())), dispatch.New(dispatch.WithLogger(logger.Nop())), engine.WithLogger(logger.Nop()))
	if err := e.Load(rs); err != nil {
		return SimulationResult{}, err
	}
	if err := e.Ready(); err != nil {
		return SimulationResult{}, err
	}
	seen := dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(0))

	res := SimulationResult{Events: len(reqs), Changes: []model.CommittedChange{}}
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			res.Rejected++
			f.VerboseLog("event %d rejected: %v", i+1, err)
			continue
		}
		event := reqs[i].Event()
		if seen.SeenAndRecord(ctx, event.ID) {
			res.Duplicates++
			continue
		}
		c, err := e.Process(ctx, event)
		switch {
		case errors.Is(err, engine.ErrInvalidEvent):
			res.Rejected++
			f.VerboseLog("event %d rejected: %v", i+1, err)
			continue
		case err != nil:
			return res, fmt.Errorf("event %d: %w", i+1, err)
		}
		if !c.Empty() {
			res.Changes = append(res.Changes, c)
		}
	}

	if top > 0 {
		board, err := e.Leaderboard(ctx, top)
		if err != nil {
			return res, err
		}
		res.Leaderboard = board
	}
	return res, nil
}

func badgeList(badges []model.BadgeGrant) string {
	if len(badges) == 0 {
		return ""
	}
	out := "badges:"
	for _, b := range badges {
		out += fmt.Sprintf(" %s/%d", b.Name, b.Level)
	}
	return out
}

func rankNote(t *model.RankTransition) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf(" rank %q -> %q", t.From, t.To)
}
