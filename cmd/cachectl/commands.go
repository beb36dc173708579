package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stancestream-gateway/internal/cache"
	"stancestream-gateway/internal/config"
	"stancestream-gateway/internal/embedding"
	"stancestream-gateway/internal/vectorindex"
	"stancestream-gateway/pkg/logging"
)

const defaultTimeout = 30 * time.Second

var errNoEmbedder = fmt.Errorf("%w: cachectl does not embed prompts", embedding.ErrEmbedding)

type globalOptions struct {
	configPath string
	verbose    bool
	timeout    time.Duration
}

// session is one connection to the cache backends.
type session struct {
	cfg      config.Config
	backends cache.Backends
	index    vectorindex.Index
	engine   *cache.Engine
	redis    *redis.Client
}

func openSession(ctx context.Context, opts *globalOptions) (*session, error) {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger := zap.NewNop()
	if opts.verbose {
		logger = logging.DefaultLogger()
	}

	s := &session{cfg: cfg}
	if cfg.CacheBackend == "redis" {
		s.redis = cache.NewRedisClient(cfg)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			_ = s.redis.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	backends, err := cache.NewBackends(cfg, s.redis, logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.backends = backends
	s.index = backends.Index

	noEmbed := embedding.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, errNoEmbedder
	})
	s.engine = cache.NewEngine(noEmbed, backends.Index, backends.Metrics, cache.EngineOptions(cfg.Cache), logger)
	return s, nil
}

func (s *session) Close() {
	_ = s.backends.Close()
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// withSession runs fn against a freshly opened session bounded by --timeout.
func withSession(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, s *session) error) error {
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func newStatsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate cache metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				m, err := s.engine.Metrics(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(m)
				}

				entries, err := s.index.Count(ctx)
				if err != nil && !errors.Is(err, vectorindex.ErrIndexUnavailable) {
					return err
				}
				fmt.Fprintf(out, "Requests:     %d\n", m.TotalRequests)
				fmt.Fprintf(out, "Hits:         %d\n", m.CacheHits)
				fmt.Fprintf(out, "Misses:       %d\n", m.CacheMisses)
				fmt.Fprintf(out, "Hit ratio:    %.4f\n", m.HitRatio)
				fmt.Fprintf(out, "Avg sim:      %.4f\n", m.AverageSimilarity)
				fmt.Fprintf(out, "Tokens saved: %d\n", m.TotalTokensSaved)
				fmt.Fprintf(out, "Cost saved:   $%.4f\n", m.EstimatedCostSaved)
				if err == nil {
					fmt.Fprintf(out, "Entries:      %d\n", entries)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the metrics snapshot as JSON")
	return cmd
}

func newResetMetricsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-metrics",
		Short: "Zero the aggregate metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				if err := s.engine.ResetMetrics(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Metrics reset.")
				return nil
			})
		},
	}
}

func newSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete entries older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				n, err := s.engine.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries older than %s.\n", n, s.cfg.Cache.Retention)
				return nil
			})
		},
	}
}

func newClearCmd(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("clear deletes every entry; pass --yes to confirm")
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				if err := s.engine.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func newEnsureIndexCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-index",
		Short: "Create the vector index if missing and check its schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				if err := s.index.EnsureIndex(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Index %q ready (dim=%d).\n", s.cfg.Cache.IndexName, s.cfg.Cache.Dimension)
				return nil
			})
		},
	}
}
