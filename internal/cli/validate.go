package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/internal/domain/types"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Errors []string     `json:"errors,omitempty"`
	Rules  []types.Rule `json:"rules,omitempty"`
	Ranks  int          `json:"ranks"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "validate <rules.yaml>",
		Short:        "Load a rules file and report every problem in it",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := &OutputFormatter{Format: rootOpts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr(), Verbose: rootOpts.Verbose}
			return runValidate(f, args[0])
		},
	}
}

func runValidate(f *OutputFormatter, path string) error {
	res := validateFile(path)
	if f.isJSON() {
		if err := f.JSON(res); err != nil {
			return err
		}
	} else if res.Valid {
		f.Textf("ok: %d rules, %d ranks", len(res.Rules), res.Ranks)
		for _, r := range res.Rules {
			f.VerboseLog("  %s %s on %v", r.Category, r.Name, r.Events)
		}
	} else {
		for _, e := range res.Errors {
			f.Textf("error: %s", e)
		}
	}
	if !res.Valid {
		return fmt.Errorf("%w: %d problem(s)", ErrInvalidRules, len(res.Errors))
	}
	return nil
}

func validateFile(path string) ValidationResult {
	file, err := rules.LoadFile(path)
	if err != nil {
		return ValidationResult{Errors: flatten(err)}
	}
	rs, ranks, err := file.Build()
	if err != nil {
		return ValidationResult{Errors: flatten(err)}
	}
	return ValidationResult{Valid: true, Rules: types.FromRuleSet(rs), Ranks: ranks.Len()}
}

// flatten lists the leaves of a joined error.
func flatten(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []string{err.Error()}
}
