package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinytelemetry/madrid-enricher/internal/bootstrap"
	"github.com/tinytelemetry/madrid-enricher/internal/config"
	"github.com/tinytelemetry/madrid-enricher/internal/duckdb"
	"github.com/tinytelemetry/madrid-enricher/internal/enrich"
	"github.com/tinytelemetry/madrid-enricher/internal/metrics"
	"github.com/tinytelemetry/madrid-enricher/internal/model"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "enricherctl",
		Usage:     "Operate the Madrid events enricher from the command line",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (default is $HOME/.config/madrid-enricher/config.yml)",
			},
		},
		Before: func(c *cli.Context) error {
			log.SetFlags(log.LstdFlags | log.Lmicroseconds)
			log.SetOutput(os.Stderr)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run one bounded enrichment pass",
				Action: runCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "batch",
						Usage: "Records claimed per batch",
						Value: model.DefaultBatch,
					},
					&cli.DurationFlag{
						Name:  "sleep",
						Usage: "Pause between provider calls",
						Value: model.DefaultSleep,
					},
					&cli.IntFlag{
						Name:  "max-batches",
						Usage: "Upper bound on batches processed",
						Value: model.DefaultMaxBatches,
					},
				},
			},
			{
				Name:   "preview",
				Usage:  "Show the records the next run would claim",
				Action: previewCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of candidates to show",
						Value: model.DefaultPreview,
					},
					&cli.BoolFlag{
						Name:  "enrich",
						Usage: "Also ask the provider for each candidate's patch (nothing is written)",
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print record counts per status",
				Action: statsCommand,
			},
			{
				Name:   "recover",
				Usage:  "Fail records whose claim lease has expired",
				Action: recoverCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "lease",
						Usage: "Claim age after which a record is recovered (default: claim-lease setting)",
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "Inspect the local DuckDB schema",
				Subcommands: []*cli.Command{
					{
						Name:   "status",
						Usage:  "Print applied and pending schema migrations",
						Action: migrateStatusCommand,
					},
				},
			},
			{
				Name:   "seed",
				Usage:  "Load records from a JSONL file into the local DuckDB store",
				Action: seedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "JSONL file, one record per line",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "key",
						Usage: "Property holding the record key",
						Value: model.DefaultKeyColumn,
					},
				},
			},
		},
	}
}

// open loads the configuration and builds the components. The returned
// context is cancelled on SIGINT/SIGTERM.
func open(c *cli.Context) (context.Context, *bootstrap.Components, config.Config, func(), error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	components, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, cfg, nil, err
	}
	cleanup := func() {
		components.Close()
		stop()
	}
	return ctx, components, cfg, cleanup, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCommand(c *cli.Context) error {
	ctx, components, _, cleanup, err := open(c)
	if err != nil {
		return err
	}
	defer cleanup()

	sum, err := components.Runner.Run(ctx, enrich.RunOptions{
		Batch:      c.Int("batch"),
		Sleep:      c.Duration("sleep"),
		MaxBatches: c.Int("max-batches"),
	})
	if sum.RunID != "" {
		if perr := printJSON(c.App.Writer, sum); perr != nil {
			return perr
		}
	}
	return err
}

func previewCommand(c *cli.Context) error {
	ctx, components, _, cleanup, err := open(c)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := components.Runner.Preview(ctx, enrich.PreviewOptions{
		Limit:  c.Int("limit"),
		Enrich: c.Bool("enrich"),
		Sleep:  model.DefaultSleep,
	})
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, res)
}

func statsCommand(c *cli.Context) error {
	ctx, components, _, cleanup, err := open(c)
	if err != nil {
		return err
	}
	defer cleanup()

	counts, err := components.Store.StatusCounts(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, st := range model.Statuses {
		fmt.Fprintf(c.App.Writer, "%-14s %d\n", st, counts[st])
		total += counts[st]
	}
	fmt.Fprintf(c.App.Writer, "%-14s %d\n", "total", total)
	return nil
}

func recoverCommand(c *cli.Context) error {
	ctx, components, cfg, cleanup, err := open(c)
	if err != nil {
		return err
	}
	defer cleanup()

	lease := c.Duration("lease")
	if lease <= 0 {
		lease = cfg.ClaimLease
	}
	n, err := components.Store.RecoverExpired(ctx, time.Now().UTC().Add(-lease))
	if err != nil {
		return err
	}
	metrics.AddRecovered(n)
	fmt.Fprintf(c.App.Writer, "recovered %d records (lease %s)\n", n, lease)
	return nil
}

func migrateStatusCommand(c *cli.Context) error {
	ctx, components, _, cleanup, err := open(c)
	if err != nil {
		return err
	}
	defer cleanup()

	if components.Local == nil {
		return errors.New("migrate only applies to the local DuckDB store; unset BQ_TABLE")
	}
	st, err := components.Local.SchemaState(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, st)
}

func seedCommand(c *cli.Context) error {
	ctx, components, _, cleanup, err := open(c)
	if err != nil {
		return err
	}
	defer cleanup()

	if components.Local == nil {
		return errors.New("seed only supports the local DuckDB store; unset BQ_TABLE")
	}
	return seed(ctx, components.Local, c.String("file"), c.String("key"), c.App.Writer)
}

func seed(ctx context.Context, store *duckdb.Store, path, key string, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	records, err := duckdb.ReadJSONL(f, key)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	n, err := store.InsertRecords(ctx, records)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "seeded %d of %d records from %s\n", n, len(records), path)
	return nil
}
