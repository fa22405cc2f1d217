package cli

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/internal/domain/types"
)

const (
	defaultGenerateEvents   = 1000
	defaultGenerateSubjects = 50
	maxPayloadWords         = 400
)

// GenerateOptions configures a synthetic event stream.
type GenerateOptions struct {
	Events   int
	Subjects int
	Names    []string
	Output   string
}

// NewGenerateCommand creates the generate command.
func NewGenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := GenerateOptions{}
	var rulesPath string
	cmd := &cobra.Command{
		Use:          "generate",
		Short:        "Write a synthetic JSONL event stream",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rulesPath != "" {
				file, err := rules.LoadFile(rulesPath)
				if err != nil {
					return fmt.Errorf("%w: %w", ErrInvalidRules, err)
				}
				rs, _, err := file.Build()
				if err != nil {
					return fmt.Errorf("%w: %w", ErrInvalidRules, err)
				}
				opts.Names = append(opts.Names, rs.EventNames()...)
			}
			out := cmd.OutOrStdout()
			if opts.Output != "" {
				f, err := os.Create(opts.Output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer f.Close()
				out = f
			}
			n, err := runGenerate(out, opts)
			if err != nil {
				return err
			}
			if rootOpts.Verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "generated %d events\n", n)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Events, "events", defaultGenerateEvents, "number of events")
	cmd.Flags().IntVar(&opts.Subjects, "subjects", defaultGenerateSubjects, "number of distinct subjects")
	cmd.Flags().StringSliceVar(&opts.Names, "names", nil, "event names to draw from")
	cmd.Flags().StringVar(&rulesPath, "rules", "", "draw event names from this rules file")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func runGenerate(w io.Writer, opts GenerateOptions) (int, error) {
	events, err := generateEvents(opts, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return len(events), writeEvents(w, events)
}

// generateEvents spreads events over a fixed pool of subjects. Every event
// gets a unique ID so a replay is idempotent.
func generateEvents(opts GenerateOptions, start time.Time) ([]types.EventRequest, error) {
	if len(opts.Names) == 0 {
		return nil, ErrNoEventNames
	}
	subjects := make([]string, max(opts.Subjects, 1))
	for i := range subjects {
		subjects[i] = uuid.NewString()
	}

	events := make([]types.EventRequest, opts.Events)
	for i := range events {
		events[i] = types.EventRequest{
			EventID:    uuid.NewString(),
			Name:       opts.Names[randIntn(len(opts.Names))],
			SubjectID:  subjects[randIntn(len(subjects))],
			Payload:    map[string]any{"words": randIntn(maxPayloadWords)},
			OccurredAt: start.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		}
	}
	return events, nil
}

// randIntn returns a uniform int in [0, n) using crypto/rand.
func randIntn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}
