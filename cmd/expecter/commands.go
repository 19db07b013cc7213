package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/CZERTAINLY/Expecter/internal/log"
	"github.com/CZERTAINLY/Expecter/internal/model"
	"github.com/CZERTAINLY/Expecter/internal/script"
	"github.com/CZERTAINLY/Expecter/internal/walk"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	flagFormat string // value of run --format
	flagForce  bool   // value of init --force
)

var runCmd = &cobra.Command{
	Use:   "run script.yaml|dir...",
	Short: "run command executes the scripts and reports the results",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var checkCmd = &cobra.Command{
	Use:   "check script.yaml|dir...",
	Short: "check command validates the scripts without running them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doCheck,
}

var initCmd = &cobra.Command{
	Use:   "init [script.yaml]",
	Short: "init command writes a script template to a file or stdout",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doInit,
}

func doRun(cmd *cobra.Command, args []string) error {
	if flagFormat != "text" && flagFormat != "yaml" {
		return fmt.Errorf("unsupported format %q", flagFormat)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attrs := slog.Group("expecter",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	paths, err := scriptPaths(ctx, args)
	if err != nil {
		return err
	}

	runner := script.NewRunner(settings.Defaults, slog.Default())
	var results []script.Result
	for res := range runner.RunFiles(ctx, paths) {
		results = append(results, res)
	}
	// report in the order of arguments, not of completion
	slices.SortStableFunc(results, func(a, b script.Result) int {
		return slices.Index(paths, a.Path) - slices.Index(paths, b.Path)
	})

	if err := report(cmd.OutOrStdout(), flagFormat, results); err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		if !res.Ok() {
			failed++
		}
	}
	if len(results) < len(paths) {
		return fmt.Errorf("run interrupted after %d of %d scripts: %w", len(results), len(paths), context.Cause(ctx))
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", script.ErrFailed, failed, len(paths))
	}
	return nil
}

type reportEntry struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path,omitempty"`
	Passed   bool   `yaml:"passed"`
	Steps    int    `yaml:"steps"`
	Total    int    `yaml:"total"`
	Status   *int   `yaml:"status,omitempty"`
	Reason   string `yaml:"reason,omitempty"`
	Duration string `yaml:"duration"`
	Error    string `yaml:"error,omitempty"`
	Output   string `yaml:"output,omitempty"`
}

func report(w io.Writer, format string, results []script.Result) error {
	if format == "yaml" {
		entries := make([]reportEntry, 0, len(results))
		for _, res := range results {
			e := reportEntry{
				Name:     res.Name,
				Path:     res.Path,
				Passed:   res.Ok(),
				Steps:    res.Steps,
				Total:    res.Total,
				Reason:   res.Reason,
				Duration: res.Duration.String(),
			}
			if res.Status != nil {
				e.Status = &res.Status.Code
			}
			if res.Err != nil {
				e.Error = res.Err.Error()
				e.Output = res.Output
			}
			entries = append(entries, e)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, res := range results {
		verdict, detail := "PASS", ""
		if !res.Ok() {
			// the first line, the rest is the output
			detail, _, _ = strings.Cut(res.Err.Error(), "\n")
			verdict = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n", verdict, res.Name, res.Steps, res.Total, res.Duration.Round(time.Millisecond), detail)
	}
	return tw.Flush()
}

func doCheck(cmd *cobra.Command, args []string) error {
	paths, err := scriptPaths(cmd.Context(), args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range paths {
		s, err := script.Load(path)
		if err != nil {
			failed++
			details := model.CueErrDetails(err)
			for _, d := range details {
				slog.Error("invalid script", "path", path, d.Attr("error"))
			}
			if len(details) == 0 {
				slog.Error("invalid script", "path", path, "error", err)
			}
			fmt.Fprintf(out, "FAIL\t%s\n", path)
			continue
		}
		fmt.Fprintf(out, "OK\t%s\t%s, %d steps\n", path, s.Title(), len(s.Steps))
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d invalid", script.ErrFailed, failed, len(paths))
	}
	return nil
}

// scriptPaths expands directories among args into the scripts they contain.
// A path which can't be walked is kept, loading it reports the failure.
func scriptPaths(ctx context.Context, args []string) ([]string, error) {
	var paths []string
	for path, err := range walk.Scripts(ctx, args...) {
		if err != nil {
			slog.WarnContext(ctx, "walking scripts", "path", path, "error", err)
		}
		paths = append(paths, path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scripts found in %s", strings.Join(args, ", "))
	}
	return paths, nil
}

func doInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if flagForce {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		f, err := os.OpenFile(args[0], flags, 0o644)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", args[0], err)
		}
		defer func() {
			_ = f.Close()
		}()
		out = f
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(template()); err != nil {
		return fmt.Errorf("storing template: %w", err)
	}
	return enc.Close()
}

// template answers a prompt and checks the reply of the command.
func template() model.Script {
	zero := 0
	return model.Script{
		Version: 0,
		Name:    "greet",
		Command: []string{"printf 'name? '; read name; echo hello $name"},
		Poll:    "1s",
		On: []model.Handler{
			{Unsatisfied: true, Send: "\n", Times: 1},
		},
		Steps: []model.Step{
			{Expect: `name\? `, Send: "world\n"},
			{Expect: "hello world"},
			{Exit: &zero},
		},
	}
}
