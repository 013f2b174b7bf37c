package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sanonone/zyphyr/pkg/core"
	"github.com/sanonone/zyphyr/pkg/core/distance"
	"github.com/sanonone/zyphyr/pkg/core/types"
	"github.com/sanonone/zyphyr/pkg/engine"
)

type benchParams struct {
	n, dim, k, ef, queries int
	batch                  int
	metric                 string
	seed                   int64
	dataDir                string
	metricsAddr            string
}

// benchReport is what a bench run measured.
type benchReport struct {
	Inserted     int
	BuildTime    time.Duration
	FlushTime    time.Duration
	LatencyP50   time.Duration
	LatencyP99   time.Duration
	Recall       float64
	SegmentBytes int64
}

func newBenchCmd() *cobra.Command {
	var p benchParams
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Build a synthetic dataset and measure throughput, latency and recall",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if p.metricsAddr != "" {
				srv := &http.Server{Addr: p.metricsAddr, Handler: promhttp.Handler()}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics listener failed", zap.Error(err))
					}
				}()
				defer srv.Close()
			}

			rep, err := runBench(cmd.Context(), p, logger)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "vectors     %d x %d (%s)\n", rep.Inserted, p.dim, p.metric)
			fmt.Fprintf(w, "build       %s (%.0f vectors/s)\n", rep.BuildTime.Round(time.Millisecond), float64(rep.Inserted)/rep.BuildTime.Seconds())
			fmt.Fprintf(w, "flush       %s, segment %d bytes\n", rep.FlushTime.Round(time.Millisecond), rep.SegmentBytes)
			fmt.Fprintf(w, "search      p50 %s, p99 %s (k=%d ef=%d, %d queries)\n", rep.LatencyP50, rep.LatencyP99, p.k, p.ef, p.queries)
			fmt.Fprintf(w, "recall@%d   %.4f\n", p.k, rep.Recall)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&p.n, "n", 10000, "number of vectors to insert")
	f.IntVar(&p.dim, "dim", 128, "vector dimension")
	f.IntVar(&p.k, "k", 10, "neighbors per query")
	f.IntVar(&p.ef, "ef", 50, "search beam width")
	f.IntVar(&p.queries, "queries", 200, "number of queries")
	f.IntVar(&p.batch, "batch", 1000, "bulk insert batch size")
	f.StringVar(&p.metric, "metric", "euclidean", "euclidean, cosine or dot")
	f.Int64Var(&p.seed, "seed", 1, "random seed for the dataset")
	f.StringVar(&p.dataDir, "data", "", "dataset directory (default: a temporary directory that is removed)")
	f.StringVar(&p.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func runBench(ctx context.Context, p benchParams, logger *zap.Logger) (*benchReport, error) {
	if p.n <= 0 || p.dim <= 0 || p.k <= 0 || p.queries <= 0 || p.batch <= 0 {
		return nil, types.InvalidParameterf("n, dim, k, queries and batch must be positive")
	}
	metric, err := distance.ParseMetric(p.metric)
	if err != nil {
		return nil, err
	}

	dir := p.dataDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "zyphyr-bench-"); err != nil {
			return nil, err
		}
		defer os.RemoveAll(dir)
	}

	opts := engine.DefaultOptions(dir)
	opts.Metric = metric
	opts.Dim = p.dim
	opts.Seed = uint64(p.seed)
	opts.AutoFlushInterval = 0
	opts.MaintenanceInterval = 0
	opts.Logger = logger
	db, err := engine.OpenWithOptions(opts)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	exact, err := core.NewExactIndex(p.dim, metric)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(p.seed))
	rep := &benchReport{}
	batch := make([]types.BatchObject, 0, p.batch)
	start := time.Now()
	for i := 0; i < p.n; i++ {
		v := randomVector(rng, p.dim)
		batch = append(batch, types.BatchObject{Id: uint64(i), Vector: v})
		if err := exact.Insert(uint64(i), v); err != nil {
			return nil, err
		}
		if len(batch) == p.batch || i == p.n-1 {
			n, err := db.BulkInsert(batch)
			rep.Inserted += n
			if err != nil {
				return nil, err
			}
			batch = batch[:0]
		}
	}
	rep.BuildTime = time.Since(start)

	start = time.Now()
	if err := db.Flush(); err != nil {
		return nil, err
	}
	rep.FlushTime = time.Since(start)

	latencies := make([]float64, p.queries)
	var recall float64
	for i := range latencies {
		q := randomVector(rng, p.dim)
		t0 := time.Now()
		got, err := db.Search(ctx, q, p.k, max(p.ef, p.k))
		latencies[i] = float64(time.Since(t0))
		if err != nil {
			return nil, err
		}
		truth, err := exact.Search(ctx, q, p.k, 0)
		if err != nil {
			return nil, err
		}
		recall += core.Recall(truth, got)
	}
	sort.Float64s(latencies)
	rep.LatencyP50 = time.Duration(stat.Quantile(0.5, stat.Empirical, latencies, nil))
	rep.LatencyP99 = time.Duration(stat.Quantile(0.99, stat.Empirical, latencies, nil))
	rep.Recall = recall / float64(p.queries)

	st, err := db.Stats()
	if err != nil {
		return nil, err
	}
	rep.SegmentBytes = st.SegmentBytes
	logger.Info("bench finished",
		zap.Int("n", rep.Inserted),
		zap.Duration("build", rep.BuildTime),
		zap.Float64("recall", rep.Recall))
	return rep, nil
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}
