package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/buildlens/buildlens/internal/export"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/store"
)

// ExportCmd writes a config's feature vectors to disk. The export only
// needs the store, so no coordination or provider wiring happens here.
type ExportCmd struct {
	ConfigID int64 `arg:"" help:"Repo config id"`

	Format   []string `default:"csv,json" enum:"csv,json" help:"Artifact formats to write" sep:","`
	Features []string `help:"Restrict export to these features" sep:","`
	Statuses []string `default:"completed,partial" enum:"completed,partial,failed,pending" help:"Extraction statuses to include" sep:","`
	Dir      string   `help:"Override the configured export directory"`
}

func (e *ExportCmd) Run(_ *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, false)
	if err != nil {
		return err
	}
	defer p.Close()

	dir := e.Dir
	if dir == "" {
		dir = p.cfg.Paths.ExportDir
	}
	if dir == "" {
		return ferrors.ConfigError("no export directory configured").Build()
	}

	formats := make([]export.Format, 0, len(e.Format))
	for _, f := range e.Format {
		formats = append(formats, export.Format(f))
	}
	statuses := make([]store.ExtractionStatus, 0, len(e.Statuses))
	for _, s := range e.Statuses {
		statuses = append(statuses, store.ExtractionStatus(s))
	}

	summary, err := export.New(p.store, dir, p.logger).Export(ctx, e.ConfigID, export.Options{
		Formats:  formats,
		Features: e.Features,
		Statuses: statuses,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Exported %d builds (%d columns) for %s:\n  %s\n",
		summary.Rows, len(summary.Columns), summary.RepoSlug,
		strings.Join(summary.Paths, "\n  "))
	return nil
}
