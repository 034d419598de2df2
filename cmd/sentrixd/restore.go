package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sentrix-io/sentrix/internal/estimator"
	"github.com/sentrix-io/sentrix/internal/metrics"
	"github.com/sentrix-io/sentrix/internal/store"
)

func runRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout for reading the store")

	fs.Usage = func() {
		fmt.Println(`Usage: sentrixd restore [options]

Load the persisted metric rows into an empty registry, as the server does on
start, and print what would be restored.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := newLogger(cfg).With(map[string]any{"role": "restore"})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		DSN:              cfg.Database.DSN,
		MaxConns:         1,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	if err := restore(ctx, pg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "restore failed: %v\n", err)
		os.Exit(1)
	}
}

// restore replays st's persisted rows into a fresh registry and prints the
// restored values.
func restore(ctx context.Context, st store.Store, w io.Writer) error {
	reg := metrics.NewRegistry()
	metrics.RegisterCatalog(reg)

	est := estimator.New(st, reg, estimator.DefaultConfig())
	n, err := est.Restore(ctx)
	if err != nil {
		return err
	}
	rows, err := st.ListMetrics(ctx)
	if err != nil {
		return err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Name != rows[j].Name {
			return rows[i].Name < rows[j].Name
		}
		return rows[i].Scope < rows[j].Scope
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tSCOPE\tVALUE")
	for _, r := range rows {
		labels := []string{r.Scope}
		if r.Scope == "" {
			labels = nil
		}
		v, ok, err := reg.Value(r.Name, labels...)
		if err != nil || !ok {
			fmt.Fprintf(tw, "%s\t%s\tskipped\n", r.Name, r.Scope)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%g\n", r.Name, r.Scope, v)
	}
	fmt.Fprintf(tw, "\n%d of %d rows restored\n", n, len(rows))
	return tw.Flush()
}
