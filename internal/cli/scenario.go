package cli

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/wolfpack/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // glob over scenario file names
	Golden string // golden directory; default <dir>/golden
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <dir>",
		Short: "Replay sync scenarios against golden traces",
		Long: `Run every YAML scenario in a directory through the state engine
components on a fake clock and compare each trace with its golden file.

Exit codes:
  0 - All scenarios passed
  1 - An assertion failed or a trace differs from its golden file
  2 - Command error (missing directory, bad filter)

Examples:
  wolfpack scenario ./scenarios
  wolfpack scenario ./scenarios --filter "order_*"
  wolfpack scenario ./scenarios --update`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "golden file directory (default <dir>/golden)")

	return cmd
}

func runScenarios(cmd *cobra.Command, opts *ScenarioOptions, dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenario directory not found: %s", dir))
	}
	if opts.Filter != "" {
		if _, err := filepath.Match(opts.Filter, ""); err != nil {
			return WrapExitError(ExitCommandError, "invalid filter pattern", err)
		}
	}
	goldenDir := opts.Golden
	if goldenDir == "" {
		goldenDir = filepath.Join(dir, "golden")
	}

	files, err := findScenarioFiles(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	out := opts.Output(cmd)
	summary := ScenarioSummary{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		res := runScenarioFile(file, goldenDir, opts.Update)
		summary.Scenarios = append(summary.Scenarios, res)
		if res.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
		if opts.Format != "json" {
			writeScenarioText(out, res)
		}
	}

	if opts.Format == "json" {
		if err := out.Success(summary); err != nil {
			return err
		}
	} else if summary.Total == 0 {
		fmt.Fprintln(out.Writer, "No scenarios found.")
	} else {
		fmt.Fprintf(out.Writer, "\n%d passed, %d failed, %d total\n", summary.Passed, summary.Failed, summary.Total)
	}

	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", summary.Failed, summary.Total))
	}
	return nil
}

// findScenarioFiles lists the .yaml and .yml files under dir, skipping the
// golden directory. filter is matched against the name without extension.
func findScenarioFiles(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(d.Name(), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// runScenarioFile runs one scenario and checks or rewrites its golden file.
func runScenarioFile(file, goldenDir string, update bool) ScenarioResult {
	s, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{Name: filepath.Base(file), Errors: []string{fmt.Sprintf("load: %v", err)}}
	}
	result, err := harness.Run(s)
	if err != nil {
		return ScenarioResult{Name: s.Name, Errors: []string{fmt.Sprintf("run: %v", err)}}
	}

	res := ScenarioResult{Name: s.Name, Pass: result.Pass, Errors: append([]string(nil), result.Errors...)}
	rendered := harness.Render(s.Name, result)
	golden := filepath.Join(goldenDir, s.Name+".golden")

	if update {
		if err := os.MkdirAll(goldenDir, 0o755); err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, fmt.Sprintf("update golden: %v", err))
			return res
		}
		if err := os.WriteFile(golden, rendered, 0o644); err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, fmt.Sprintf("update golden: %v", err))
		}
		return res
	}

	expected, err := os.ReadFile(golden)
	switch {
	case os.IsNotExist(err):
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("golden file missing: %s (run with --update)", golden))
	case err != nil:
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf("read golden: %v", err))
	case !bytes.Equal(expected, rendered):
		res.Pass = false
		res.Errors = append(res.Errors, "trace differs from golden file: "+firstDifference(expected, rendered))
	}
	return res
}

// firstDifference describes the first line where two renderings diverge.
func firstDifference(want, got []byte) string {
	w := strings.Split(string(want), "\n")
	g := strings.Split(string(got), "\n")
	for i := 0; i < len(w) || i < len(g); i++ {
		var wl, gl string
		if i < len(w) {
			wl = w[i]
		}
		if i < len(g) {
			gl = g[i]
		}
		if wl != gl {
			return fmt.Sprintf("line %d: want %q, got %q", i+1, wl, gl)
		}
	}
	return "identical lines"
}

func writeScenarioText(out *OutputFormatter, res ScenarioResult) {
	if res.Pass {
		fmt.Fprintf(out.Writer, "✓ %s\n", res.Name)
		return
	}
	fmt.Fprintf(out.Writer, "✗ %s\n", res.Name)
	for _, e := range res.Errors {
		fmt.Fprintf(out.Writer, "  %s\n", strings.TrimRight(e, "\n"))
	}
}
