package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/models"
	"github.com/jmorganca/zoo/progress"
)

func NewPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull NAME...",
		Short: "Download the files of pretrained names into the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE:  pullHandler,
	}
}

// pretrainedFiles returns the files of name across every family that
// knows it.
func pretrainedFiles(name string) ([]string, error) {
	var files []string
	for _, f := range models.Families {
		infos, err := f.Infos()
		if err != nil {
			return nil, err
		}

		if v, ok := infos[name]; ok {
			files = append(files, resources(v)...)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("unknown pretrained name %q", name)
	}

	return resources(files), nil
}

func pull(ctx context.Context, c *hub.Client, name string) error {
	files, err := pretrainedFiles(name)
	if err != nil {
		return err
	}

	var steps *progress.StepBar
	if c.Progress != nil {
		steps = progress.NewStepBar(name, len(files))
		c.Progress.Add(steps)
	}

	for i, f := range files {
		p, err := c.CachedPath(ctx, f)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		slog.Debug("pulled", "name", name, "url", f, "path", p)

		if steps != nil {
			steps.Set(i + 1)
		}
	}

	return nil
}

func pullHandler(cmd *cobra.Command, args []string) error {
	p := progress.NewProgress(os.Stderr)
	defer p.Stop()

	spinner := progress.NewSpinner("pulling " + strings.Join(args, ", "))
	p.Add(spinner)

	c := hub.NewClient()
	c.Progress = p
	defer spinner.Stop()

	for _, name := range args {
		if err := pull(cmd.Context(), c, name); err != nil {
			return err
		}
	}

	return nil
}
