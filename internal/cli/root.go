// Package cli is the posync command line: the till server plus operator
// commands that work directly on the device's local store.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/supabase06-cpu/posv1/internal/cart"
	"github.com/supabase06-cpu/posv1/internal/config"
	"github.com/supabase06-cpu/posv1/internal/domain"
	"github.com/supabase06-cpu/posv1/internal/httpapi"
)

const shutdownTimeout = 8 * time.Second

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	var (
		cfg      config.Config
		dataDir  string
		logLevel string
	)

	root := &cobra.Command{
		Use:   "posync",
		Short: "Offline-first point-of-sale sync core",
		Long: `posync runs the till backend: a local HTTP API for the checkout UI, a
durable write-behind queue and the engine that replays it against the
store's backend when the network is available.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg = config.Load()
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			config.ConfigureLogging(cfg)
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for the local store (overrides DATA_DIR)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	conf := func() config.Config { return cfg }
	root.AddCommand(
		newServeCommand(conf),
		newSyncCommand(conf),
		newQueueCommand(conf),
		newCacheCommand(conf),
		newStatusCommand(conf),
	)
	return root
}

// withApp builds the component graph for one command invocation.
func withApp(cmd *cobra.Command, cfg config.Config, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newServeCommand(conf func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the till API, network monitor and sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			if err := validateSecurityConfig(cfg); err != nil {
				return fmt.Errorf("invalid security configuration: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.SessionTTLMinutes)*time.Minute, cfg.ManagerPIN, a.remote, a.local)
	api := httpapi.New(httpapi.Deps{
		Service: a.service,
		Auth:    auth,
		Cart:    cart.New(ctx, a.local, decimal.NewFromFloat(cfg.DefaultTaxRate)),
		Engine:  a.engine,
		Queue:   a.queue,
		Network: a.monitor,
		Warmup:  a.warmup,
	}, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.engine.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// A cashier still signed in from the last run gets warm caches.
		session, err := auth.GetSession(gctx)
		if err != nil || session == nil || !a.monitor.Online() {
			return nil
		}
		if _, err := a.warmup.Ensure(gctx, session.User.StoreID); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("component", "cli").Msg("startup warm-up failed")
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Str("component", "cli").Str("addr", cfg.Address()).Bool("online", a.monitor.Online()).Msg("till API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		api.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Str("component", "cli").Msg("server stopped")
	return nil
}

func newSyncCommand(conf func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass over the write-behind queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, conf(), func(ctx context.Context, a *app) error {
				res, err := a.engine.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newStatusCommand(conf func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue depth and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, conf(), func(ctx context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.engine.Status(ctx))
			})
		},
	}
}

func newQueueCommand(conf func() config.Config) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the write-behind queue",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, conf(), func(ctx context.Context, a *app) error {
				return printQueue(cmd.OutOrStdout(), a.queue.List(ctx, !all))
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include synced items")

	var pin string
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a queued item (requires the manager PIN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				auth := httpapi.NewAuthManager(cfg.AuthSecret, 0, cfg.ManagerPIN, a.remote, a.local)
				if !auth.ValidateManagerPIN(pin) {
					return errors.New("manager PIN required")
				}
				if err := a.engine.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
	del.Flags().StringVar(&pin, "pin", "", "manager PIN")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Reset a failed item so the next pass sends it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, conf(), func(ctx context.Context, a *app) error {
				if err := a.engine.Retry(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", args[0])
				return nil
			})
		},
	}

	queueCmd.AddCommand(list, del, retry)
	return queueCmd
}

func newCacheCommand(conf func() config.Config) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the product and customer caches",
	}

	var storeID string
	warm := &cobra.Command{
		Use:   "warm",
		Short: "Reload the reference caches from the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := conf()
			return withApp(cmd, cfg, func(ctx context.Context, a *app) error {
				if !a.monitor.Online() {
					return errors.New("backend unreachable; cache not reloaded")
				}
				target := storeID
				if target == "" {
					target = cfg.StoreID
				}
				stats, err := a.warmup.Reload(ctx, target)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "store %s: %d products, %d customers in %s\n",
					stats.StoreID, stats.Products, stats.Customers, stats.Took.Round(time.Millisecond))
				return nil
			})
		},
	}
	warm.Flags().StringVar(&storeID, "store", "", "store id (defaults to STORE_ID)")

	cacheCmd.AddCommand(warm)
	return cacheCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printQueue(w io.Writer, items []domain.QueueItem) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tATTEMPTS\tSTATE\tCREATED\tLAST ERROR")
	for _, item := range items {
		lastErr := ""
		if item.LastError != nil {
			lastErr = truncate(*item.LastError, 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			item.ID, item.Type, item.Attempts, itemState(item), item.CreatedAt.Format(time.RFC3339), lastErr)
	}
	return tw.Flush()
}

func itemState(item domain.QueueItem) string {
	switch {
	case item.Synced:
		return "synced"
	case item.Terminal:
		return "failed"
	default:
		return "pending"
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
