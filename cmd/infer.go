package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/distributed"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
	"github.com/jmorganca/zoo/writer"
)

const defaultWriter = "core/writer/jsonl"

func NewInferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer KEY",
		Short: "Run a pipeline or process on inputs",
		Long: `Run the pipeline or process registered under KEY.

Inputs come from --arg flags, or one JSON object per line of --input.
Results are written with --writer to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: inferHandler,
	}

	cmd.Flags().StringArrayP("arg", "a", nil, "Input argument as name=value")
	cmd.Flags().StringP("input", "i", "", "JSON lines file of inputs, - for stdin")
	cmd.Flags().StringP("writer", "w", defaultWriter, "Writer for results")
	return cmd
}

// caller runs one set of inputs.
type caller func(ctx context.Context, args process.Args) (any, error)

func newCaller(cfg *config.Config, set *registry.Set, key string) (caller, error) {
	switch {
	case set.Pipelines.Has(key):
		p, err := set.Pipeline(cfg, key)
		if err != nil {
			return nil, err
		}
		return p.Call, nil
	case set.Processes.Has(key):
		f, err := set.Processes.Get(key)
		if err != nil {
			return nil, err
		}

		fn, err := f(cfg)
		if err != nil {
			return nil, err
		}
		return caller(fn), nil
	default:
		return nil, fmt.Errorf("no pipeline or process registered as %q", key)
	}
}

// parseArgs turns name=value pairs into process arguments.
func parseArgs(pairs []string) (process.Args, error) {
	args := make(process.Args, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("argument %q must look like name=value", pair)
		}
		args[name] = config.ParseValue(value)
	}
	return args, nil
}

// readInputs decodes one argument object per JSON value in r.
func readInputs(r io.Reader) ([]process.Args, error) {
	var inputs []process.Args
	dec := json.NewDecoder(r)
	for {
		var args process.Args
		if err := dec.Decode(&args); errors.Is(err, io.EOF) {
			return inputs, nil
		} else if err != nil {
			return nil, fmt.Errorf("input %d: %w", len(inputs)+1, err)
		}
		inputs = append(inputs, args)
	}
}

func inputs(cmd *cobra.Command) ([]process.Args, error) {
	path := must(cmd.Flags().GetString("input"))
	if path == "" {
		args, err := parseArgs(must(cmd.Flags().GetStringArray("arg")))
		if err != nil {
			return nil, err
		}
		return []process.Args{args}, nil
	}

	r := cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	return readInputs(r)
}

// shard keeps the inputs of rank, dealing them round robin over world.
func shard[T any](ins []T, rank, world int) []T {
	if world <= 1 {
		return ins
	}

	var out []T
	for i := rank; i < len(ins); i += world {
		out = append(out, ins[i])
	}
	return out
}

// write hands v to w, wrapping results the writer has no layout for in a
// single result column.
func write(w registry.Writer, v any) error {
	err := w.Write(v)
	if !errors.Is(err, writer.ErrUnsupported) {
		return err
	}

	t := writer.NewTable("result")
	if err := t.Append(v); err != nil {
		return err
	}
	return w.Write(t)
}

func inferHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	set := newSet()
	call, err := newCaller(cfg, set, args[0])
	if err != nil {
		return err
	}

	ins, err := inputs(cmd)
	if err != nil {
		return err
	}

	g, err := distributed.Init()
	if err != nil {
		return err
	}
	if c, ok := g.(interface{ Close(context.Context) error }); ok {
		defer c.Close(context.Background())
	}

	ins = shard(ins, g.Rank(), g.WorldSize())

	w, err := set.Writer(cfg, must(cmd.Flags().GetString("writer")), cmd.OutOrStdout())
	if err != nil {
		return err
	}

	for i, in := range ins {
		out, err := call(cmd.Context(), in)
		if err != nil {
			return fmt.Errorf("input %d: %w", i+1, err)
		}

		if err := write(w, out); err != nil {
			return err
		}
		slog.Debug("inferred", "key", args[0], "input", i+1)
	}

	return w.Flush()
}
