package commands

import (
	"context"
	"fmt"
)

// ProcessCmd runs feature extraction for a config, or retries the
// failed parts of an earlier run.
type ProcessCmd struct {
	ConfigID int64 `arg:"" help:"Repo config id"`

	RetryIngestion bool `help:"Reset failed ingestion builds and re-ingest them first"`
	RetryFailed    bool `help:"Retry failed extractions instead of processing new builds"`
}

func (c *ProcessCmd) Run(_ *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, false)
	if err != nil {
		return err
	}
	defer p.Close()

	if c.RetryIngestion {
		n, err := p.orch.RetryFailedIngestion(ctx, c.ConfigID)
		if err != nil {
			return err
		}
		fmt.Printf("Re-ingested %d failed builds\n", n)
		return nil
	}
	if c.RetryFailed {
		n, err := p.orch.RetryFailedProcessing(ctx, c.ConfigID)
		if err != nil {
			return err
		}
		fmt.Printf("Reprocessed %d failed builds\n", n)
		return nil
	}

	if err := p.orch.StartProcessing(ctx, c.ConfigID); err != nil {
		return err
	}
	progress, err := p.orch.GetImportProgress(ctx, c.ConfigID)
	if err != nil {
		return err
	}
	fmt.Printf("Processing finished: config %d status=%s completed=%d failed=%d\n",
		c.ConfigID, progress.Config.Status,
		progress.Config.BuildsCompleted, progress.Config.BuildsFailed)
	return nil
}
