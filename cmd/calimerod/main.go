package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/calimero-network/core/config"
	"github.com/calimero-network/core/eventbus"
	"github.com/calimero-network/core/logging"
	"github.com/calimero-network/core/node"
	"github.com/luxfi/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "calimerod",
	Short: "Runs one calimero node",
	Long: `calimerod starts a node core: it loads (or creates) the local
identity, opens the embedded store, restores any contexts already
present in it (the store is in-memory, so none survive a restart), and
serves the sync/broadcast sub-protocols to peers
over libp2p until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults built in if omitted)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("calimerod: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("calimerod: %w", err)
	}
	logger, err := logging.NewProduction(level)
	if err != nil {
		return fmt.Errorf("calimerod: create logger: %w", err)
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("calimerod: start node: %w", err)
	}

	events, unsubscribe := n.EventBus().Subscribe()
	defer unsubscribe()
	go logEvents(ctx, events, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("calimerod: received shutdown signal")
	case <-ctx.Done():
	}

	if err := n.Close(); err != nil {
		return fmt.Errorf("calimerod: shutdown: %w", err)
	}
	return nil
}

// logEvents consumes the node's structured state-affecting events
// (spec §7 "Propagation policy") and logs them; this daemon has no
// other user-facing surface to present them on.
func logEvents(ctx context.Context, events <-chan eventbus.Event, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case eventbus.KindRootHashDivergence:
				logger.Warn("calimerod: root hash divergence",
					log.Stringer("context", ev.ContextID), log.Stringer("delta", ev.DeltaID))
			case eventbus.KindMissingParentCascade:
				logger.Info("calimerod: causal gap detected",
					log.Stringer("context", ev.ContextID), log.Stringer("delta", ev.DeltaID),
					log.Int("missing_parents", len(ev.MissingParents)))
			}
		}
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}
