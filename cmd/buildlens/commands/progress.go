package commands

import (
	"context"
	"fmt"
	"sort"
)

// ProgressCmd shows where an import stands: config status, counters
// and the per-status build breakdown.
type ProgressCmd struct {
	ConfigID int64 `arg:"" help:"Repo config id"`
}

func (c *ProgressCmd) Run(_ *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, false)
	if err != nil {
		return err
	}
	defer p.Close()

	progress, err := p.orch.GetImportProgress(ctx, c.ConfigID)
	if err != nil {
		return err
	}

	cfg := progress.Config
	fmt.Printf("Config %d: status=%s fetched=%d completed=%d failed=%d\n",
		cfg.ID, cfg.Status, cfg.BuildsFetched, cfg.BuildsCompleted, cfg.BuildsFailed)
	if cfg.LastError != "" {
		fmt.Printf("Last error: %s\n", cfg.LastError)
	}
	if cfg.LastSyncedAt.IsSome() {
		fmt.Printf("Last synced: %s\n", cfg.LastSyncedAt.Unwrap().Format("2006-01-02 15:04:05"))
	}

	printCounts := func(title string, counts map[string]int64) {
		if len(counts) == 0 {
			return
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Printf("%s:\n", title)
		for _, k := range keys {
			fmt.Printf("  %-18s %d\n", k, counts[k])
		}
	}

	ingestion := make(map[string]int64, len(progress.Ingestion))
	for k, v := range progress.Ingestion {
		ingestion[string(k)] = v
	}
	training := make(map[string]int64, len(progress.Training))
	for k, v := range progress.Training {
		training[string(k)] = v
	}
	printCounts("Ingestion builds", ingestion)
	printCounts("Training builds", training)

	if progress.Journal != nil {
		fmt.Printf("Journal: phase=%s started=%s\n",
			progress.Journal.Phase, progress.Journal.StartedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
