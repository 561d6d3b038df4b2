package commands

import (
	"context"
	"fmt"

	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/orchestrator"
)

// ImportCmd imports a repository's build history end to end: fetch,
// resource ingestion and feature extraction run inline before the
// command returns.
type ImportCmd struct {
	Repository string `arg:"" help:"Repository in owner/name form"`

	Provider     string   `default:"github" enum:"github,gitlab,jenkins,circleci,travis" help:"CI provider to fetch builds from"`
	Branch       string   `help:"Only import builds for this branch"`
	MaxBuilds    int      `default:"0" help:"Cap on builds to import (0 = provider pages limit)"`
	SinceDays    int      `default:"0" help:"Only import builds newer than this many days (0 = no cutoff)"`
	OnlyWithLogs bool     `help:"Skip builds whose logs are gone"`
	ExcludeBots  bool     `help:"Skip bot-authored builds"`
	Features     []string `help:"Feature selection (default: full registry)" sep:","`
	Sync         bool     `name:"auto-sync" help:"Enroll the config in periodic auto-sync"`
	NoProcess    bool     `help:"Stop after ingestion; run extraction later with 'process'"`
}

func (i *ImportCmd) Run(g *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, i.NoProcess)
	if err != nil {
		return err
	}
	defer p.Close()

	cfg, err := p.orch.ImportRepository(ctx, orchestrator.ImportRequest{
		RepoFullName: i.Repository,
		Provider:     config.ProviderType(i.Provider),
		Branch:       i.Branch,
		MaxBuilds:    i.MaxBuilds,
		SinceDays:    i.SinceDays,
		OnlyWithLogs: i.OnlyWithLogs,
		ExcludeBots:  i.ExcludeBots,
		Features:     i.Features,
		SyncEnabled:  i.Sync,
	})
	if err != nil {
		return err
	}

	final, err := p.orch.GetImportProgress(ctx, cfg.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Import finished: config %d status=%s fetched=%d completed=%d failed=%d\n",
		cfg.ID, final.Config.Status,
		final.Config.BuildsFetched, final.Config.BuildsCompleted, final.Config.BuildsFailed)
	if final.Config.LastError != "" {
		fmt.Printf("Last error: %s\n", final.Config.LastError)
	}
	return nil
}
