package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"catalog-ingest/internal/dispatch"
	"catalog-ingest/internal/ingest"
	"catalog-ingest/internal/store"
)

// setup loads config and builds the app under a signal-aware context.
func setup(cmd *cobra.Command) (context.Context, *app, func(), error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	cfg, err := loadConfig(cmd)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() { a.close(); stop() }, nil
}

func ingestCmd() *cobra.Command {
	var (
		items       []string
		externalID  string
		marketplace string
	)
	cmd := &cobra.Command{
		Use:   "ingest <seller-id>",
		Short: "Find a seller's new items and process them inline or queue them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()

			sellerID := args[0]
			if externalID != "" {
				if err := a.store.UpsertSeller(ctx, store.Seller{ID: sellerID, ExternalID: externalID, Marketplace: marketplace}); err != nil {
					return fmt.Errorf("register seller: %w", err)
				}
			}

			o, wait := a.orchestrator(ctx)
			out, err := o.Ingest(ctx, ingest.Request{SellerID: sellerID, Items: items})
			if err != nil {
				return err
			}
			printOutcome(out)
			// In-process drains finish before the command exits.
			wait()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&items, "items", nil, "Item ids to ingest instead of the seller's catalog listing")
	cmd.Flags().StringVar(&externalID, "external-id", "", "Register or update the seller with this marketplace seller id first")
	cmd.Flags().StringVar(&marketplace, "marketplace", "US", "Marketplace used with --external-id")
	return cmd
}

func printOutcome(out ingest.Outcome) {
	fmt.Printf("seller %s: %s candidates, %s new", out.SellerID, humanize.Comma(int64(out.Candidates)), humanize.Comma(int64(len(out.Work))))
	if out.FullReprocess {
		fmt.Print(" (full reprocess)")
	}
	if len(out.Invalid) > 0 {
		fmt.Printf(", %d malformed dropped", len(out.Invalid))
	}
	fmt.Println()
	fmt.Printf("route %s: %s\n", out.Decision.Route, out.Decision.Reason)
	if out.Inline != nil {
		fmt.Printf("inline %s: %d ok, %d failed in %s\n", out.Inline.Status, out.Inline.Processed, out.Inline.Failed, out.Inline.Elapsed.Round(time.Millisecond))
	}
	if out.FellBack {
		fmt.Println("inline run failed transiently; items were queued")
	}
	if len(out.Batches) > 0 {
		fmt.Printf("queued %d batches, worker dispatched: %t\n", len(out.Batches), out.Dispatched)
	}
	if out.RefillIn > 0 {
		fmt.Printf("token budget refills in about %d minutes\n", out.RefillIn)
	}
}

func drainCmd() *cobra.Command {
	var (
		seller string
		cron   string
		listen bool
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Claim and process queued batches",
		Long: `drain runs one claiming drain and exits. With --listen it waits for
drain triggers pushed by ingest; with --cron it drains on a schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()

			w := a.worker()
			if cron == "" {
				cron = a.cfg.Dispatch.Cron
			}
			switch {
			case listen:
				if a.redis == nil {
					return errors.New("--listen needs REDIS_ADDRESS")
				}
				r := dispatch.NewRedisRunner(a.redis, dispatch.RedisRunnerOptions{
					Prefix:    a.cfg.Dispatch.Prefix,
					MaxActive: a.cfg.Dispatch.Max,
					Lease:     a.cfg.Worker.Budget.D() + time.Minute,
				})
				return w.Serve(ctx, r, dispatch.DrainTask)
			case cmd.Flags().Changed("cron") || cron != "":
				return w.RunCron(ctx, cron)
			}
			st, err := w.Drain(ctx, seller)
			fmt.Println(st.Summary(time.Now()))
			return err
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "", "Prefer this seller's batches")
	cmd.Flags().StringVar(&cron, "cron", "", "Drain on this cron schedule, e.g. '*/5 * * * *'. Env: DISPATCH_CRON")
	cmd.Flags().BoolVar(&listen, "listen", false, "Wait for drain triggers from ingest")
	return cmd
}

func statusCmd() *cobra.Command {
	var seller string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and the marketplace token budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()

			q, err := a.store.Stats(ctx, seller)
			if err != nil {
				return err
			}
			scope := "all sellers"
			if seller != "" {
				scope = "seller " + seller
			}
			fmt.Printf("queue (%s): %s pending, %s processing, %s completed, %s failed\n", scope,
				humanize.Comma(int64(q.Pending)), humanize.Comma(int64(q.Processing)),
				humanize.Comma(int64(q.Completed)), humanize.Comma(int64(q.Failed)))
			if q.Items > 0 {
				fmt.Printf("%s items waiting in active batches\n", humanize.Comma(int64(q.Items)))
			}

			snap, err := a.adapter.Snapshot(ctx, a.cfg.Marketplace.Requester)
			if err != nil {
				fmt.Printf("token budget: unavailable (%v)\n", err)
				return nil
			}
			fmt.Printf("token budget: %s of %s (%.0f%%), %s used recently\n",
				humanize.Comma(int64(snap.Available)), humanize.Comma(int64(snap.Max)), snap.Fill(),
				humanize.Comma(int64(snap.RecentConsumption)))
			return nil
		},
	}
	cmd.Flags().StringVar(&seller, "seller", "", "Limit queue counts to one seller")
	return cmd
}

func initDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the Postgres schema and tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, done, err := setup(cmd)
			if err != nil {
				return err
			}
			defer done()
			if a.pg == nil {
				return errNeedsPostgres
			}
			if err := a.pg.InitSchema(ctx); err != nil {
				return err
			}
			fmt.Printf("schema %q ready\n", a.cfg.Postgres.Schema)
			return nil
		},
	}
}
