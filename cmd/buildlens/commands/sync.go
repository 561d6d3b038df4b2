package commands

import (
	"context"
	"fmt"
)

// SyncCmd fetches builds newer than what the store already holds for
// one config and runs them through the pipeline.
type SyncCmd struct {
	ConfigID int64 `arg:"" help:"Repo config id"`
}

func (s *SyncCmd) Run(_ *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, false)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.orch.SyncRepository(ctx, s.ConfigID); err != nil {
		return err
	}
	progress, err := p.orch.GetImportProgress(ctx, s.ConfigID)
	if err != nil {
		return err
	}
	fmt.Printf("Sync finished: config %d status=%s fetched=%d\n",
		s.ConfigID, progress.Config.Status, progress.Config.BuildsFetched)
	return nil
}
