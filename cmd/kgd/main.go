// Command kgd is the knowledge-graph daemon: the sole writer of the
// derived store (spec.md §4). It watches the record store, reindexes
// changed nodes, maintains the embedding queue and in-memory vector index,
// periodically recalibrates score fusion, and serves the tool-protocol
// surface over a Unix socket.
//
// Wiring follows the teacher's cmd/bd daemon entrypoint
// (daemon_event_loop.go, daemon_server.go): a context canceled on
// SIGINT/SIGTERM, an RPC server started in its own goroutine, and a
// foreground watcher loop that drives everything else.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/knowgraph/knowgraph/internal/budget"
	"github.com/knowgraph/knowgraph/internal/calibrate"
	"github.com/knowgraph/knowgraph/internal/config"
	"github.com/knowgraph/knowgraph/internal/embed"
	"github.com/knowgraph/knowgraph/internal/index"
	"github.com/knowgraph/knowgraph/internal/logging"
	"github.com/knowgraph/knowgraph/internal/rank"
	"github.com/knowgraph/knowgraph/internal/rpc"
	"github.com/knowgraph/knowgraph/internal/service"
	"github.com/knowgraph/knowgraph/internal/sourceimport"
	"github.com/knowgraph/knowgraph/internal/storage/sqlite"
	"github.com/knowgraph/knowgraph/internal/store"
	"github.com/knowgraph/knowgraph/internal/vectorindex"
	"github.com/knowgraph/knowgraph/internal/watch"
)

var daemonSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

const (
	autoPullInterval  = 10 * time.Minute
	calibrateInterval = 30 * time.Minute
	vectorSocketName  = "vector.sock"
)

func main() {
	root := flag.String("root", ".", "project root containing beads.toml and the node tree")
	logPath := flag.String("log", "", "log file path (rotated); empty logs to stderr")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	absRoot, err := filepath.Abs(*root)
	if err != nil {
		log.Fatalf("resolving root: %v", err)
	}

	logger := logging.New(logging.Options{Path: *logPath, Debug: *debug})

	if err := run(absRoot, logger); err != nil {
		logger.Errorf("kgd: fatal: %v", err)
		os.Exit(1)
	}
}

func run(root string, logger *logging.Logger) error {
	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	records := store.New(root)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	derivedPath := filepath.Join(root, ".knowgraph", "derived.db")
	if err := os.MkdirAll(filepath.Dir(derivedPath), 0o750); err != nil {
		return fmt.Errorf("preparing derived store dir: %w", err)
	}
	derived, err := sqlite.Open(ctx, derivedPath)
	if err != nil {
		return fmt.Errorf("opening derived store: %w", err)
	}
	defer derived.Close()

	provider, providerErr := buildEmbedProvider(cfg.EmbeddingsModel)
	if providerErr != nil {
		logger.Errorf("kgd: embedding provider unavailable, running without vector search: %v", providerErr)
		provider = nil
	}
	embedQueue := embed.NewQueue(provider, derived, 4, 256, logger)
	defer embedQueue.Close()

	vecIndex := vectorindex.New()
	if err := vecIndex.Reload(ctx, vectorindex.NewStoreLoader(derived)); err != nil {
		logger.Errorf("kgd: loading vector index: %v", err)
	}

	vecSocket := filepath.Join(filepath.Dir(rpc.SocketPath(root)), vectorSocketName)
	vecServer := vectorindex.NewServer(vecIndex)
	go func() {
		if err := vecServer.Start(ctx, vecSocket); err != nil && ctx.Err() == nil {
			logger.Errorf("kgd: vector server: %v", err)
		}
	}()
	vecClient := vectorindex.NewClient(vecSocket)

	indexer := index.New(records, derived, embedQueue)

	if len(cfg.Sources) > 0 {
		importer := sourceimport.New(records, cfg.Sources, logger)
		if err := importer.Sync(ctx); err != nil {
			logger.Errorf("kgd: source sync: %v", err)
		}
	}

	if err := indexer.ReindexAll(ctx); err != nil {
		logger.Errorf("kgd: initial reindex: %v", err)
	}

	calibrator := calibrate.New(derived)
	acct := budget.New(derived, cfg.ReviewBudgetThreshold)

	var reranker rank.Reranker
	if cfg.SearchUseReranker {
		r, err := rank.NewAnthropicReranker("", cfg.SearchRerankerModel)
		if err != nil {
			logger.Errorf("kgd: reranker disabled: %v", err)
		} else {
			reranker = r
		}
	}

	weights := rank.Weights{
		FTSWeight:      cfg.SearchFTSWeight,
		VectorWeight:   cfg.SearchVectorWeight,
		DualMatchBonus: cfg.SearchDualMatchBonus,
	}
	var embedder rank.Embedder
	if provider != nil {
		embedder = provider
	}
	ranker := rank.New(derived, calibrator, vectorSearcherAdapter{vecClient}, embedder, reranker, acct, weights, reranker != nil)
	svc := service.New(records, ranker, indexer)

	calibSearcher := calibrateSearcher{derived: derived, vectorSearch: vecClient.Query}

	socketPath := rpc.SocketPath(root)
	statusPath := filepath.Join(filepath.Dir(socketPath), "status.json")
	watcher := watch.New(root, indexer, logger, statusPath, watch.CalibrationTrigger{
		Threshold:    cfg.SearchAutoCalibrateThreshold,
		LiveBullets:  derived.LiveBulletCount,
		TotalBullets: derived.TotalBulletCount,
		Run: func(ctx context.Context) error {
			return calibrator.Run(ctx, calibSearcher)
		},
	})

	rpcServer := rpc.NewServer(socketPath, svc, func() rpc.StatusResult {
		return rpc.StatusResult{PID: os.Getpid(), Mode: "watching"}
	}, logger)

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Logf("kgd: rpc server listening on %s", socketPath)
		if err := rpcServer.Start(ctx); err != nil && ctx.Err() == nil {
			serverErrChan <- err
		}
	}()

	go runCalibrationTicker(ctx, calibrator, calibSearcher, logger)
	if len(cfg.Sources) > 0 {
		go runSourceSyncTicker(ctx, sourceimport.New(records, cfg.Sources, logger), logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, daemonSignals...)
	defer signal.Stop(sigChan)

	// The watcher calls reload on SIGHUP. It rebuilds the in-memory vector
	// index from the derived store; beads.toml is not re-read and the
	// embedding provider is not rebuilt.
	reload := func() {
		if err := vecIndex.Reload(ctx, vectorindex.NewStoreLoader(derived)); err != nil {
			logger.Errorf("kgd: reloading vector index: %v", err)
		}
	}

	go func() {
		if err := watcher.Run(ctx, reload); err != nil && ctx.Err() == nil {
			logger.Errorf("kgd: watcher stopped: %v", err)
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Logf("kgd: received %s, shutting down", sig)
	case err := <-serverErrChan:
		logger.Errorf("kgd: rpc server failed: %v", err)
	}

	cancel()
	rpcServer.Stop()
	return nil
}

// vectorSearcherAdapter bridges vectorindex.Client's own Hit type to
// rank.VectorHit, since the two packages deliberately don't share a type
// (internal/rank must not import internal/vectorindex).
type vectorSearcherAdapter struct {
	client *vectorindex.Client
}

func (a vectorSearcherAdapter) Query(ctx context.Context, vector []float32, k int) ([]rank.VectorHit, error) {
	hits, err := a.client.Query(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	out := make([]rank.VectorHit, len(hits))
	for i, h := range hits {
		out[i] = rank.VectorHit{BulletID: h.BulletID, Cosine: h.Cosine}
	}
	return out, nil
}

// calibrateSearcher implements calibrate.Searcher over the derived store's
// keyword index and the running vector server.
type calibrateSearcher struct {
	derived      *sqlite.Store
	vectorSearch func(ctx context.Context, vector []float32, k int) ([]vectorindex.Hit, error)
}

func (s calibrateSearcher) SearchKeywordScores(ctx context.Context, bulletText string) ([]float64, error) {
	query := strings.Join(strings.Fields(bulletText), " OR ")
	if query == "" {
		return nil, nil
	}
	candidates, err := s.derived.SearchKeyword(ctx, query, 20)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = -c.BM25
	}
	return scores, nil
}

func (s calibrateSearcher) SearchVectorScores(ctx context.Context, bulletID string) ([]float64, error) {
	raw, err := s.derived.BulletVector(ctx, bulletID)
	if err != nil {
		return nil, nil //nolint:nilerr // no stored vector for this bullet, not fatal to sampling
	}
	hits, err := s.vectorSearch(ctx, embed.DecodeVector(raw), 20)
	if err != nil {
		return nil, err
	}
	scores := make([]float64, len(hits))
	for i, h := range hits {
		scores[i] = h.Cosine
	}
	return scores, nil
}

func runCalibrationTicker(ctx context.Context, c *calibrate.Calibrator, searcher calibrate.Searcher, logger *logging.Logger) {
	ticker := time.NewTicker(calibrateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Run(ctx, searcher); err != nil {
				logger.Errorf("kgd: calibration run: %v", err)
			}
		}
	}
}

func runSourceSyncTicker(ctx context.Context, importer *sourceimport.Importer, logger *logging.Logger) {
	ticker := time.NewTicker(autoPullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := importer.Sync(ctx); err != nil {
				logger.Errorf("kgd: periodic source sync: %v", err)
			}
		}
	}
}

// buildEmbedProvider parses a "provider:model" embeddings.model config
// value (spec.md §4.D's {local_on_device, remote_A, remote_B} variants)
// into a concrete Provider. remote_A maps to the OpenAI-compatible HTTP
// provider; remote_B is reserved for a second remote backend sharing the
// same HTTP shape under a different base URL/key pair.
func buildEmbedProvider(spec string) (embed.Provider, error) {
	provider, model, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("invalid embeddings.model %q: want provider:model", spec)
	}
	switch provider {
	case "local_on_device":
		return embed.NewOllamaProvider(model)
	case "remote_A":
		apiKey := os.Getenv("KG_EMBEDDINGS_API_KEY")
		baseURL := os.Getenv("KG_EMBEDDINGS_BASE_URL")
		if apiKey == "" || baseURL == "" {
			return nil, fmt.Errorf("remote_A provider requires KG_EMBEDDINGS_BASE_URL and KG_EMBEDDINGS_API_KEY")
		}
		return embed.NewHTTPProvider(baseURL, apiKey, model), nil
	case "remote_B":
		apiKey := os.Getenv("KG_EMBEDDINGS_API_KEY_B")
		baseURL := os.Getenv("KG_EMBEDDINGS_BASE_URL_B")
		if apiKey == "" || baseURL == "" {
			return nil, fmt.Errorf("remote_B provider requires KG_EMBEDDINGS_BASE_URL_B and KG_EMBEDDINGS_API_KEY_B")
		}
		return embed.NewHTTPProvider(baseURL, apiKey, model), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", provider)
	}
}
