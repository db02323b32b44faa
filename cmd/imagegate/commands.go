package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/ineyio/imagegate"
	pgstore "github.com/ineyio/imagegate/credit/postgres"
)

// MigrateCmd applies the credit ledger schema.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.load()
	if err != nil {
		return err
	}
	if cfg.Postgres.ConnectionString == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := pgstore.Connect(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	return pgstore.Migrate(ctx, pool, logger)
}

// ModelsCmd prints the model registry.
type ModelsCmd struct {
	Registry string `help:"Registry YAML file. Overrides MODEL_REGISTRY_PATH." type:"existingfile"`
}

func (c *ModelsCmd) Run(cli *CLI) error {
	cfg, _, err := cli.load()
	if err != nil {
		return err
	}
	if c.Registry != "" {
		cfg.RegistryPath = c.Registry
	}
	registry, err := cfg.registry()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tMIN TIER\tCAPABILITIES\tGUEST")
	for _, m := range registry.Models() {
		tier := string(m.MinimumTier)
		if tier == "" {
			tier = "-"
		}
		guest := ""
		if m.ID == registry.GuestModel() {
			guest = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Provider, tier, strings.Join(m.Capabilities, ","), guest)
	}
	return w.Flush()
}

// GrantCmd credits an account in the PostgreSQL ledger.
type GrantCmd struct {
	Owner  string `required:"" help:"Account owner id."`
	Amount int64  `required:"" help:"Credits to add (negative to debit)."`
	Reason string `default:"grant" help:"Transaction reason."`
	Open   bool   `help:"Create the account with a zero balance if it does not exist."`
}

func (c *GrantCmd) Run(cli *CLI) error {
	cfg, logger, err := cli.load()
	if err != nil {
		return err
	}
	if cfg.Postgres.ConnectionString == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	ctx := context.Background()
	pool, err := pgstore.Connect(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := pgstore.New(pool)
	if c.Open {
		if err := store.OpenAccount(ctx, c.Owner, 0); err != nil {
			return err
		}
	}

	ledger, err := imagegate.NewLedger(store, imagegate.WithLedgerLogger(logger))
	if err != nil {
		return err
	}
	balance, err := ledger.Adjust(ctx, c.Owner, c.Amount, c.Reason)
	if err != nil {
		return err
	}
	fmt.Printf("%s: balance %d\n", c.Owner, balance)
	return nil
}
