package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mudler/xlog"
	"github.com/obok127/smartstore-chatbot/pkg/loader"
	"github.com/obok127/smartstore-chatbot/rag/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the search API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kb, cfg, err := openKB(ctx)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			if err := engine.RegisterMetrics(reg); err != nil {
				return err
			}

			e := newAPI(kb, cfg, reg)
			errCh := make(chan error, 1)
			go func() {
				xlog.Info("Starting API", "address", cfg.ListenAddress, "documents", kb.Count())
				errCh <- e.Start(cfg.ListenAddress)
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			xlog.Info("Shutting down API")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	}
}

func newIndexCmd() *cobra.Command {
	var (
		file  string
		reset bool
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index FAQ entries from a JSON, JSONL or YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := loader.LoadFile(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			kb, _, err := openKB(ctx)
			if err != nil {
				return err
			}

			if reset {
				if err := kb.Reset(ctx); err != nil {
					return err
				}
			}

			report, err := kb.Upsert(ctx, docs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d documents (dense: %t)\n", report.Ingested, report.DenseOK)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "FAQ file to index")
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop the existing corpus first")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		topK   int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kb, cfg, err := openKB(ctx)
			if err != nil {
				return err
			}
			if topK <= 0 {
				topK = cfg.Retrieval.TopK
			}

			results, report := kb.RetrieveWithReport(ctx, args[0], topK)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}

			for _, o := range report.Outcomes {
				fmt.Fprintf(out, "%-8s %-8s %3d candidates  %s\n", o.Stage, o.Status, len(o.Candidates), o.Duration.Round(time.Microsecond))
			}
			fmt.Fprintf(out, "relevant: %t (top score %.4f, threshold %.2f)\n\n",
				results.Relevant(cfg.Retrieval.ScoreThreshold), results.TopScore(), cfg.Retrieval.ScoreThreshold)
			for i, r := range results {
				fmt.Fprintf(out, "%d. [%.4f] %s (%s)\n", i+1, r.Score, r.Title, r.ID)
				if r.URL != "" {
					fmt.Fprintf(out, "   %s\n", r.URL)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Number of results (defaults to retrieval.top_k)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop every document, vector and lexical artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kb, _, err := openKB(ctx)
			if err != nil {
				return err
			}
			if err := kb.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "knowledge base reset")
			return nil
		},
	}
}

func newRebuildCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Embed the documents that have no vector yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kb, cfg, err := openKB(ctx)
			if err != nil {
				return err
			}
			if batchSize <= 0 {
				batchSize = cfg.Reindex.BatchSize
			}

			report, err := kb.RebuildMissing(ctx, batchSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total %d, existing %d, added %d\n", report.Total, report.Existing, report.Added)
			return nil
		},
	}
	cmd.Flags().IntVarP(&batchSize, "batch", "b", 0, "Documents per embedding batch (defaults to reindex.batch_size)")
	return cmd
}
