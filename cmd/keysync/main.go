package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alexjbarnes/keysync/internal/cache"
	"github.com/alexjbarnes/keysync/internal/config"
	"github.com/alexjbarnes/keysync/internal/connectivity"
	"github.com/alexjbarnes/keysync/internal/directory"
	"github.com/alexjbarnes/keysync/internal/engine"
	"github.com/alexjbarnes/keysync/internal/keysync"
	"github.com/alexjbarnes/keysync/internal/logging"
	"github.com/alexjbarnes/keysync/internal/mcpserver"
	"github.com/alexjbarnes/keysync/internal/queue"
	"github.com/alexjbarnes/keysync/internal/server"
	"github.com/alexjbarnes/keysync/internal/state"
	"github.com/go-resty/resty/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const queueBucket = "offline_queue"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashKey reads a diagnostics API key from stdin and prints its bcrypt
// hash for DIAGNOSTICS_API_KEYS.
func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key: ")
	if err := writeKeyHash(os.Stdin, os.Stdout, bcrypt.DefaultCost); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// writeKeyHash hashes the first line of in and writes it to out.
func writeKeyHash(in io.Reader, out io.Writer, cost int) error {
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		return errors.New("no input")
	}

	key := bytes.TrimSpace(scanner.Bytes())
	if len(key) == 0 {
		return errors.New("empty key")
	}

	hash, err := bcrypt.GenerateFromPassword(key, cost)
	if err != nil {
		return fmt.Errorf("hashing key: %w", err)
	}

	_, err = fmt.Fprintln(out, string(hash))

	return err
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("keysync starting",
		slog.String("version", Version),
		slog.String("user_id", cfg.UserID),
		slog.String("device_id", cfg.DeviceID),
		slog.String("store", cfg.StoreBackend),
		slog.Bool("diagnostics", cfg.EnableDiagnostics),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if prev := appState.DeviceID(); prev != "" && prev != cfg.DeviceID {
		logger.Warn("device id changed", slog.String("previous", prev), slog.String("current", cfg.DeviceID))
	}
	if err := appState.SetDeviceID(cfg.DeviceID); err != nil {
		logger.Warn("failed to save device id", slog.String("error", err.Error()))
	}

	queueKV, closeKV, err := openQueueStore(ctx, cfg, appState)
	if err != nil {
		return err
	}
	defer closeKV()

	dir, err := directory.New(directory.Config{
		BaseURL:           cfg.DirectoryURL,
		Token:             cfg.DirectoryToken,
		Timeout:           cfg.DirectoryTimeout,
		RequestsPerSecond: cfg.DirectoryRPS,
	}, logger.With(slog.String("component", "directory")))
	if err != nil {
		return fmt.Errorf("creating directory client: %w", err)
	}

	capacities := make(map[cache.Category]int)
	for name, n := range cfg.CacheCapacities() {
		capacities[cache.Category(name)] = n
	}

	keyCache, err := cache.New(capacities)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}

	monitor := connectivity.NewMonitor(connectivity.MonitorConfig{
		Prober:          newProber(cfg),
		MinProbeSpacing: cfg.ProbeMinSpacing,
	}, logger.With(slog.String("component", "connectivity")))

	q := queue.New(queueKV, queue.Config{
		MaxRetryAttempts: cfg.QueueMaxRetries,
		BaseBackoff:      cfg.QueueBaseBackoff,
		OperationTimeout: cfg.QueueOperationTimeout,
		MaxSize:          cfg.QueueMaxSize,
	}, logger.With(slog.String("component", "queue")))

	svc := keysync.New(dir, keysync.Config{
		DeviceID: cfg.DeviceID,
		Store:    appState,
	}, logger.With(slog.String("component", "keysync")))

	eng, err := engine.New(engine.Deps{
		Monitor:   monitor,
		Queue:     q,
		Sync:      svc,
		Cache:     keyCache,
		Directory: dir,
	}, engine.Options{
		UserID:   cfg.UserID,
		GroupIDs: cfg.GroupIDs,
		Connectivity: connectivity.Options{
			Interval: cfg.ProbeInterval,
			Target:   cfg.ProbeTarget,
			Timeout:  cfg.ProbeTimeout,
		},
		CleanupInterval: cfg.QueueCleanupInterval,
	}, logger.With(slog.String("component", "engine")))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer eng.Close()

	eng.OnSyncError(func(msg string) {
		logger.Warn("sync error", slog.String("error", msg))
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The engine runs in the background; this keeps the group alive until
	// a signal arrives.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if cfg.EnableDiagnostics {
		g.Go(func() error {
			return runDiagnostics(gctx, cfg, eng, logger)
		})
	}

	return g.Wait()
}

// openQueueStore returns the KV holding the offline queue and a function
// releasing it.
func openQueueStore(ctx context.Context, cfg *config.Config, appState *state.State) (state.KV, func(), error) {
	if cfg.StoreBackend == config.BackendRedis {
		client, err := state.NewRedisClient(ctx, state.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}

		prefix := "keysync:" + cfg.UserID + ":" + cfg.DeviceID + ":queue"

		return state.NewRedisKV(client, prefix), func() { client.Close() }, nil
	}

	kv, err := appState.Bucket(queueBucket)
	if err != nil {
		return nil, nil, fmt.Errorf("opening queue bucket: %w", err)
	}

	return kv, func() {}, nil
}

func newProber(cfg *config.Config) connectivity.Prober {
	if cfg.ProbeMode == config.ProbeHTTP {
		return connectivity.NewHTTPProber(resty.New().SetTimeout(cfg.ProbeTimeout))
	}

	return connectivity.DialProber{}
}

// runDiagnostics serves the MCP diagnostics tools until ctx ends.
func runDiagnostics(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	keys, err := cfg.ParseDiagnosticsKeys()
	if err != nil {
		return fmt.Errorf("parsing diagnostics keys: %w", err)
	}

	diagLogger := logger.With(slog.String("service", "diagnostics"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "keysync-diagnostics", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     diagLogger,
	})

	diagLogger.Info("diagnostics enabled", slog.Int("keys", len(keys)))

	return server.Serve(ctx, server.NewHTTPServer(cfg.DiagnosticsListenAddr, mux), diagLogger)
}
