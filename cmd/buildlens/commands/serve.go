package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/daemon"
)

// ServeCmd runs the long-lived daemon process.
type ServeCmd struct{}

func (s *ServeCmd) Run(_ *Global, root *CLI) error {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	d, err := daemon.New(ctx, cfg, root.Config, nil)
	if err != nil {
		return fmt.Errorf("assemble daemon: %w", err)
	}
	return d.Run(ctx)
}
