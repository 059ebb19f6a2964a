package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/pkg/config"
	"github.com/obok127/smartstore-chatbot/rag"
	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smartstore-kb",
		Short: "Hybrid FAQ retrieval for the smartstore chatbot",
		Long: `smartstore-kb indexes seller FAQ entries and answers queries with a
hybrid of dense (embedding), lexical (BM25) and fuzzy title retrieval,
optionally reranked by a cross-encoder.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SMARTSTORE_CONFIG"), "Path to a YAML configuration file")

	cmd.AddCommand(
		newServeCmd(),
		newIndexCmd(),
		newSearchCmd(),
		newResetCmd(),
		newRebuildCmd(),
	)
	return cmd
}

// openKB loads the configuration and opens the knowledge base it describes.
func openKB(ctx context.Context) (*rag.PersistentKB, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}
	kb, err := rag.NewPersistentKBFromConfig(ctx, cfg)
	return kb, cfg, err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		xlog.Error("Command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
