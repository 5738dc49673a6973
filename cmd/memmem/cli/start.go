package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/baleen37/memmem-sub003/internal/observe"
	"github.com/baleen37/memmem-sub003/internal/poller"
	"github.com/baleen37/memmem-sub003/internal/ratelimit"
	"github.com/baleen37/memmem-sub003/internal/session"
	"github.com/baleen37/memmem-sub003/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the observation poller in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var obs *observe.Observer
		if jsonLogs {
			obs = observe.NewJSON(os.Stdout, verbose)
		} else {
			obs = observe.New(os.Stdout, verbose)
		}
		defer obs.Close()

		st, err := store.NewSQLiteStore(cfg.DatabasePath())
		if err != nil {
			obs.Log().Error().Err(err).Msg("failed to open store")
			return err
		}
		// The poller owns the handle from here and closes it on shutdown.

		index, err := store.NewVectorIndex(cfg.IndexPath())
		if err != nil {
			obs.Log().Error().Err(err).Msg("failed to open vector index")
			return err
		}

		completer, err := newCompleter(cfg)
		if err != nil {
			obs.Log().Error().Err(err).Msg("failed to initialize provider")
			return err
		}
		embedder, err := newEmbedder(cfg)
		if err != nil {
			obs.Log().Error().Err(err).Msg("failed to initialize embedding provider")
			return err
		}

		llmLimit := ratelimit.New(ratelimit.Config{
			Capacity: cfg.CompletionLimit.Capacity,
			Refill:   cfg.CompletionLimit.RefillPerMillisecond(),
		})
		embLimit := ratelimit.New(ratelimit.Config{
			Capacity: cfg.EmbeddingLimit.Capacity,
			Refill:   cfg.EmbeddingLimit.RefillPerMillisecond(),
		})

		registry := session.NewRegistry(st, session.WithIdleTimeout(cfg.IdleTimeout))

		p := poller.New(poller.Config{
			Interval:  cfg.PollInterval,
			BatchSize: cfg.BatchSize,
			SkipTools: cfg.SkipTools,
			LockPath:  cfg.LockPath(),
		}, st, index, completer, embedder, llmLimit, embLimit, registry, obs)

		// A signal only stops the next tick; the running one finishes.
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := p.Run(ctx); err != nil {
			var conflict poller.ErrAlreadyRunning
			if errors.As(err, &conflict) {
				obs.Log().Error().Int("pid", conflict.PID).Msg("another poller is already running")
			} else {
				obs.Log().Error().Err(err).Msg("poller failed")
			}
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
