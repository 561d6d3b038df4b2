package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// TokensCmd groups token pool management.
type TokensCmd struct {
	List TokensListCmd `cmd:"" help:"Show every pool token's state and quota"`
	Add  TokensAddCmd  `cmd:"" help:"Add tokens to the pool"`
}

// TokensListCmd prints the pool snapshot.
type TokensListCmd struct{}

func (t *TokensListCmd) Run(_ *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, false)
	if err != nil {
		return err
	}
	defer p.Close()

	statuses, err := p.pool.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("Token pool is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tSTATE\tREMAINING\tLIMIT\tREQUESTS\tRATE LIMITED\tCOOLDOWN UNTIL")
	for _, s := range statuses {
		cooldown := "-"
		if !s.CooldownUntil.IsZero() && s.CooldownUntil.After(time.Now()) {
			cooldown = s.CooldownUntil.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			s.Hash, s.State, s.Remaining, s.Limit, s.Requests, s.RateLimited, cooldown)
	}
	return w.Flush()
}

// TokensAddCmd seeds additional tokens into the pool.
type TokensAddCmd struct {
	Tokens []string `arg:"" help:"Token secrets to add"`
}

func (t *TokensAddCmd) Run(_ *Global, root *CLI) error {
	ctx := context.Background()
	p, err := openPipeline(ctx, root.Config, false)
	if err != nil {
		return err
	}
	defer p.Close()

	n, err := p.pool.Seed(ctx, t.Tokens)
	if err != nil {
		return err
	}
	fmt.Printf("Added %d tokens to the pool\n", n)
	return nil
}
