package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/buildlens/buildlens/cmd/buildlens/commands"
	"github.com/buildlens/buildlens/internal/version"
)

func main() {
	cli := &commands.CLI{}
	ctx := kong.Parse(cli,
		kong.Name("buildlens"),
		kong.Description("CI build-history ingestion and feature extraction for build-outcome prediction."),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version},
	)
	if err := ctx.Run(&commands.Global{}, cli); err != nil {
		ctx.Errorf("%v", err)
		os.Exit(1)
	}
}
