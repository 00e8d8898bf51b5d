package main

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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lexhound/internal/cache"
	"lexhound/internal/config"
	"lexhound/internal/gateway"
	"lexhound/internal/httpapi"
	"lexhound/internal/hybrid"
	"lexhound/internal/logging"
	"lexhound/internal/pipeline"
	"lexhound/internal/search"
	"lexhound/internal/verify"
)

var (
	// Global flags
	configPath string
	envFile    string
	verbose    bool

	// Built in PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "lexhound",
	Short: "lexhound - case-law retrieval pipeline for Indian judgments",
	Long: `lexhound answers legal research questions against Indian case law.

A query runs through intent extraction, a deterministic planner raced
against an LLM reasoner, multi-provider retrieval, detail verification
and a proposition gate before anything is returned. Sources that rate
limit or challenge are respected and cool down; nothing is bypassed.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
		} else {
			_ = godotenv.Load()
		}

		var err error
		logger, err = logging.New(verbose)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the search API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(logger, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		handler := httpapi.New(logger, p)
		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      handler.Router(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("http listening", zap.String("addr", cfg.Server.Addr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

var (
	searchMaxResults int
	searchDebug      bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run one query and print the response as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, cleanup, err := buildPipeline(logger, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		resp, err := p.Run(cmd.Context(), pipeline.Request{
			Query:        strings.Join(args, " "),
			MaxResults:   searchMaxResults,
			DebugEnabled: searchDebug,
		})
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var indexInput string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index normalised judgments (JSONL) into the semantic store",
	Long: `Reads one JSON document per line ({docId, title, url, court, date, text}),
chunks each judgment and upserts the chunks into the vector index used by
the hybrid retrieval lane.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if indexInput == "" {
			return fmt.Errorf("--input is required")
		}
		if cfg.Hybrid.IndexPath == "" {
			return fmt.Errorf("hybrid.index_path is not configured")
		}

		docs, err := readDocuments(indexInput)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return fmt.Errorf("no documents in %s", indexInput)
		}

		vec, err := hybrid.OpenVecStore(logger, cfg.Hybrid.IndexPath)
		if err != nil {
			return err
		}
		defer vec.Close()

		embedder, err := hybrid.NewEmbedder(cfg.Hybrid, hybrid.TaskDocument)
		if err != nil {
			return err
		}

		engine := hybrid.NewEngine(logger, cfg.Hybrid, vec, embedder, nil)
		n, err := engine.IndexDocuments(cmd.Context(), docs)
		if err != nil {
			return err
		}
		logger.Info("index updated",
			zap.Int("documents", len(docs)), zap.Int("chunks", n))
		fmt.Printf("indexed %d documents (%d chunks)\n", len(docs), n)
		return nil
	},
}

// buildPipeline wires the full provider set. The hybrid lane and the
// web-search bypass join only when configured; cleanup closes whatever was
// opened.
func buildPipeline(log *zap.Logger, cfg *config.Config) (*pipeline.Pipeline, func(), error) {
	store := cache.New(cache.Options{
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
	}, log)
	cooldowns := search.NewCooldowns()
	invoker := gateway.New(log)

	api := search.NewKanoonAPI(log, cfg.Retrieval, cfg.Flags, cooldowns)
	providers := []search.Provider{
		api,
		search.NewKanoonWeb(log, cfg.Retrieval, cooldowns),
	}
	if cfg.Retrieval.SerperAPIKey != "" {
		providers = append(providers, search.NewSerper(log, cfg.Retrieval, cfg.Flags, store))
	}

	deps := pipeline.Deps{
		Store:     store,
		Invoker:   invoker,
		Cooldowns: cooldowns,
		Providers: providers,
	}

	cleanup := func() { _ = store.Close() }
	if cfg.Hybrid.Enabled && cfg.Hybrid.IndexPath != "" {
		vec, err := hybrid.OpenVecStore(log, cfg.Hybrid.IndexPath)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("open vector index: %w", err)
		}
		embedder, err := hybrid.NewEmbedder(cfg.Hybrid, hybrid.TaskQuery)
		if err != nil {
			_ = vec.Close()
			_ = store.Close()
			return nil, nil, err
		}

		var reranker *hybrid.Reranker
		if spec, err := gateway.ResolveModel(cfg.Models.PrimaryModelID, cfg.Models.RegionOverride, cfg.Models.Region); err == nil {
			reranker = hybrid.NewReranker(log, invoker, spec, cfg.Models.BaseTimeout)
		}

		engine := hybrid.NewEngine(log, cfg.Hybrid, vec, embedder, reranker)
		api.SetHybrid(engine)
		deps.Hints = hybridHints{engine: engine}
		cleanup = func() {
			_ = vec.Close()
			_ = store.Close()
		}
	}

	return pipeline.New(log, cfg, deps), cleanup, nil
}

// hybridHints adapts the engine's document lookup to the verifier.
type hybridHints struct {
	engine *hybrid.Engine
}

func (h hybridHints) ResolveURL(ctx context.Context, hint verify.Hint) (string, bool) {
	return h.engine.LookupDocURL(ctx, hint.DocID, hint.Title)
}

// readDocuments loads a JSONL file of normalised judgments.
func readDocuments(path string) ([]hybrid.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var docs []hybrid.Document
	dec := json.NewDecoder(f)
	for {
		var d hybrid.Document
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML (env overrides apply)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment from this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	searchCmd.Flags().IntVarP(&searchMaxResults, "max-results", "n", 0, "cases to return (1-50)")
	searchCmd.Flags().BoolVar(&searchDebug, "debug", false, "include provider debug records")

	indexCmd.Flags().StringVarP(&indexInput, "input", "i", "", "JSONL file of normalised judgments")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(indexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
