package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/born-ml/opgraph/internal/ctxlog"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/gguf"
	"github.com/born-ml/opgraph/internal/graph"
	"github.com/born-ml/opgraph/internal/graphdef"
	"github.com/born-ml/opgraph/internal/model"
)

// ExitError carries the process exit code for usage errors.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// inputValues collects repeated -input name=v1,v2,... flags.
type inputValues map[string][]float32

func (v inputValues) String() string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

func (v inputValues) Set(s string) error {
	name, list, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("want name=v1,v2,..., got %q", s)
	}
	var vals []float32
	for _, field := range strings.Split(list, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
		if err != nil {
			return fmt.Errorf("input %s: %w", name, err)
		}
		vals = append(vals, float32(f))
	}
	v[name] = vals
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	return level, nil
}

func newFlagSet(name string, output io.Writer) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet("opgraph "+name, flag.ContinueOnError)
	fs.SetOutput(output)
	modelPath := fs.String("model", "", "Path to the GGUF model file.")
	logLevel := fs.String("log-level", "info", "Logging level: debug, info, warn or error.")
	return fs, modelPath, logLevel
}

// parseFlags returns done when -h was requested.
func parseFlags(fs *flag.FlagSet, args []string) (done bool, err error) {
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return true, nil
		}
		return false, &ExitError{Code: 2, Message: err.Error()}
	}
	return false, nil
}

func runCommand(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	defaults := graph.DefaultConfig()
	fs, modelPath, logLevel := newFlagSet("run", stderr)
	graphPath := fs.String("graph", "", "Path to a graph description file or directory.")
	threads := fs.Int("threads", defaults.Threads, "Number of worker threads.")
	policyName := fs.String("policy", "fail-fast", "Error policy: fail-fast or best-effort.")
	tier := fs.String("tier", "auto", "Kernel tier: auto, base, vector or wide.")
	passes := fs.Int("passes", 1, "Number of passes to execute.")
	limit := fs.Int("print", 8, "Number of values printed per output; 0 prints none.")
	inputs := inputValues{}
	fs.Var(inputs, "input", "Input values as name=v1,v2,...; may be repeated.")

	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	if *modelPath == "" || *graphPath == "" {
		fs.Usage()
		return &ExitError{Code: 2, Message: "run: -model and -graph are required"}
	}
	if *passes < 1 {
		return &ExitError{Code: 2, Message: "run: -passes must be at least 1"}
	}
	policy, err := errpolicy.Parse(*policyName)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	level, err := parseLevel(*logLevel)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	ctx = ctxlog.WithLogger(ctx, logger)

	cfg := defaults
	cfg.Threads = *threads
	cfg.Policy = policy
	cfg.Tier = *tier
	cfg.Logger = logger
	// Sized from the model and the description.
	cfg.TensorBytes, cfg.ParamBytes = 0, 0

	start := time.Now()
	m, err := model.Load(ctx, *modelPath, *graphPath, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()
	loadTime := time.Since(start)

	for name, vals := range inputs {
		if err := m.SetInput(name, vals); err != nil {
			return err
		}
	}

	start = time.Now()
	for range *passes {
		if err := m.Run(); err != nil {
			return err
		}
	}
	runTime := time.Since(start)

	outs, err := m.Outputs()
	if err != nil {
		return err
	}
	for i := range outs {
		d := &outs[i]
		fmt.Fprintf(stdout, "%s\n", d)
		if *limit <= 0 {
			continue
		}
		vals, err := d.Float32Values()
		if err != nil {
			fmt.Fprintf(stdout, "  (%v)\n", err)
			continue
		}
		n := min(*limit, len(vals))
		fmt.Fprintf(stdout, "  %v", vals[:n])
		if n < len(vals) {
			fmt.Fprintf(stdout, " ... (%d more)", len(vals)-n)
		}
		fmt.Fprintln(stdout)
	}

	stats := m.Graph.Stats()
	fmt.Fprintf(stdout, "tier=%s threads=%d ops=%d passes=%d executed=%d load=%s run=%s per-pass=%s\n",
		m.Graph.Tier(), m.Graph.Device().Threads(), m.Graph.Len(), stats.Passes, stats.Executed,
		loadTime.Round(time.Microsecond), runTime.Round(time.Microsecond),
		(runTime / time.Duration(*passes)).Round(time.Microsecond))
	return nil
}

func inspectCommand(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	fs, modelPath, logLevel := newFlagSet("inspect", stderr)
	if done, err := parseFlags(fs, args); done || err != nil {
		return err
	}
	if *modelPath == "" && fs.NArg() > 0 {
		*modelPath = fs.Arg(0)
	}
	if *modelPath == "" {
		fs.Usage()
		return &ExitError{Code: 2, Message: "inspect: -model is required"}
	}
	level, err := parseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	ctxlog.FromContext(ctxlog.WithLogger(ctx, logger)).Debug("inspecting model", "path", *modelPath)

	file, err := gguf.ParseFile(*modelPath)
	if err != nil {
		return err
	}
	hp, err := file.HParams()
	if err != nil {
		return err
	}
	total, err := file.TotalTensorBytes()
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "model: %s (version %d, %d bytes)\n", file.FilePath, file.Header.Version, file.FileSize)
	if name := file.Name(); name != "" {
		fmt.Fprintf(stdout, "name: %s\n", name)
	}

	vars := model.Vars(file, hp)
	fmt.Fprintln(stdout, "hparams:")
	for _, name := range graphdef.Names(vars["hparams"]) {
		fmt.Fprintf(stdout, "  %-22s %s\n", name, formatValue(vars["hparams"].GetAttr(name)))
	}

	fmt.Fprintf(stdout, "tensors: %d (%d bytes)\n", len(file.TensorInfo), total)
	for _, info := range file.SortedTensors() {
		shape, err := info.Shape()
		if err != nil {
			fmt.Fprintf(stdout, "  %-32s %-5s %v (%v)\n", info.Name, info.Type, info.Dimensions, err)
			continue
		}
		fmt.Fprintf(stdout, "  %-32s %-5s %s\n", info.Name, info.Type, shape)
	}
	return nil
}

func formatValue(v cty.Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.Type() == cty.String:
		return v.AsString()
	case v.Type() == cty.Number:
		return v.AsBigFloat().Text('g', -1)
	case v.Type() == cty.Bool:
		return strconv.FormatBool(v.True())
	default:
		return v.GoString()
	}
}
