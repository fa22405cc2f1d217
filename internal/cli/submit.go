package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/okian/kudos/internal/domain/types"
)

const (
	defaultSubmitTimeout = 10 * time.Second
	workerMultiplier     = 2
)

// SubmitOptions configures an HTTP submission run.
type SubmitOptions struct {
	BaseURL string
	Workers int
	Timeout time.Duration
}

// SubmitStats counts submission outcomes.
type SubmitStats struct {
	Submitted int64         `json:"submitted"`
	Processed int64         `json:"processed"`
	Duplicate int64         `json:"duplicate"`
	Skipped   int64         `json:"skipped"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := SubmitOptions{}
	cmd := &cobra.Command{
		Use:          "submit <events.jsonl>",
		Short:        "POST events to a running service concurrently",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: rootOpts.Verbose}
			events, err := readEvents(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			stats, err := submitEvents(ctx, opts, events)
			if err != nil {
				return err
			}
			if f.isJSON() {
				if err := f.JSON(stats); err != nil {
					return err
				}
			} else {
				f.Textf("submitted %d in %s: processed %d, duplicate %d, skipped %d, failed %d",
					stats.Submitted, stats.Duration.Round(time.Millisecond), stats.Processed, stats.Duplicate, stats.Skipped, stats.Failed)
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%w: %d of %d", ErrSubmitFailed, stats.Failed, stats.Submitted)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.BaseURL, "url", "http://localhost:9080", "base URL of the service")
	cmd.Flags().IntVar(&opts.Workers, "workers", runtime.NumCPU()*workerMultiplier, "concurrent workers")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", defaultSubmitTimeout, "HTTP request timeout")
	return cmd
}

// submitEvents posts events with a bounded worker pool. Per-event failures
// are counted; only a cancelled context aborts the run.
func submitEvents(ctx context.Context, opts SubmitOptions, events []types.EventRequest) (SubmitStats, error) {
	var (
		stats     SubmitStats
		submitted atomic.Int64
		processed atomic.Int64
		duplicate atomic.Int64
		skipped   atomic.Int64
		failed    atomic.Int64
	)
	start := time.Now()
	client := &http.Client{Timeout: opts.Timeout}
	url := strings.TrimRight(opts.BaseURL, "/") + "/events"

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for i := range events {
		if gctx.Err() != nil {
			break
		}
		ev := events[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			submitted.Add(1)
			switch submitSingleEvent(gctx, client, url, ev) {
			case types.StatusProcessed:
				processed.Add(1)
			case types.StatusDuplicate:
				duplicate.Add(1)
			case types.StatusSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	stats.Submitted = submitted.Load()
	stats.Processed = processed.Load()
	stats.Duplicate = duplicate.Load()
	stats.Skipped = skipped.Load()
	stats.Failed = failed.Load()
	stats.Duration = time.Since(start)
	if err == nil {
		err = ctx.Err()
	}
	return stats, err
}

// submitSingleEvent posts one event and returns the status it was given,
// or "failed".
func submitSingleEvent(ctx context.Context, client *http.Client, url string, ev types.EventRequest) string {
	const failed = "failed"
	body, err := json.Marshal(ev)
	if err != nil {
		return failed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return failed
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return failed
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		var ack types.EventResponse
		if err := json.Unmarshal(data, &ack); err != nil {
			return failed
		}
		return ack.Status
	default:
		return failed
	}
}
