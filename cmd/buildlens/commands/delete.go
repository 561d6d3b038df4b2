package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// DeleteCmd removes a repo config and everything derived from it. The
// shared raw layer (repository record, build runs, clone on disk) is
// left for other configs.
type DeleteCmd struct {
	ConfigID int64 `arg:"" help:"Repo config id"`
	Yes      bool  `short:"y" help:"Skip the confirmation prompt"`
}

func (c *DeleteCmd) Run(_ *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, false)
	if err != nil {
		return err
	}
	defer p.Close()

	if !c.Yes {
		fmt.Printf("Delete config %d and all its ingestion/training data? [y/N] ", c.ConfigID)
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if err := p.orch.DeleteRepository(ctx, c.ConfigID); err != nil {
		return err
	}
	fmt.Printf("Deleted config %d\n", c.ConfigID)
	return nil
}
