package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/envconfig"
	"github.com/jmorganca/zoo/registry"
	"github.com/jmorganca/zoo/webui"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve web UIs over HTTP",
		Long:  "Serve web UIs over HTTP on $ZOO_HOST (default 127.0.0.1:7860).",
		Args:  cobra.NoArgs,
		RunE:  serveHandler,
	}

	cmd.Flags().StringArray("webui", nil, "Web UI to serve (default all)")
	cmd.Flags().Bool("start", false, "Start each web UI with its first pretrained name")
	return cmd
}

// webUIs builds the web UIs under keys, or every registered one when keys
// is empty.
func webUIs(cfg *config.Config, set *registry.Set, keys []string) ([]registry.WebUI, error) {
	if len(keys) == 0 {
		keys = set.WebUIs.Keys()
	}

	uis := make([]registry.WebUI, 0, len(keys))
	for _, key := range keys {
		u, err := set.WebUI(cfg, key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		uis = append(uis, u)
	}

	return uis, nil
}

func serveHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	uis, err := webUIs(cfg, newSet(), must(cmd.Flags().GetStringArray("webui")))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if must(cmd.Flags().GetBool("start")) {
		for _, u := range uis {
			if err := start(ctx, u); err != nil {
				return err
			}
		}
	}

	ln, err := net.Listen("tcp", envconfig.Host.String())
	if err != nil {
		return err
	}

	return webui.NewServer(uis...).Serve(ctx, ln)
}

func start(ctx context.Context, u registry.WebUI) error {
	name := ""
	if p, ok := u.(*webui.PipelineUI); ok {
		name = p.Current()
	}

	slog.Info("starting web ui", "webui", u.Name(), "pretrained_name", name)
	return u.Start(ctx, name)
}
