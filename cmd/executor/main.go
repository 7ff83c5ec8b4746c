package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/go-utils/cli"
	redisadapter "github.com/flashbots/mempool-executor/adapters/redis"
	"github.com/flashbots/mempool-executor/executor"
	"github.com/flashbots/mempool-executor/statusapi"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug         = os.Getenv("DEBUG") == "1"
	defaultLogProd       = os.Getenv("LOG_PROD") == "1"
	defaultLogService    = os.Getenv("LOG_SERVICE")
	defaultPort          = cli.GetEnv("PORT", "8080")
	defaultStatusToken   = cli.GetEnv("STATUS_TOKEN", "")
	defaultMetricsPort   = cli.GetEnv("METRICS_PORT", "8088")
	defaultConfig        = cli.GetEnv("CONFIG", "config.yaml")
	defaultRelaysConfig  = cli.GetEnv("RELAYS_CONFIG", "")
	defaultRedisEndpoint = cli.GetEnv("REDIS_ENDPOINT", "")
	defaultRedisPrefix   = cli.GetEnv("REDIS_PREFIX", "executor")
	defaultDBDriver      = cli.GetEnv("DB_DRIVER", executor.DriverSQLite)
	defaultDBDSN         = cli.GetEnv("DB_DSN", "executor.db")

	// Flags
	debugPtr        = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr      = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr   = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr         = flag.String("port", defaultPort, "port of the status JSON-RPC api")
	statusTokenPtr  = flag.String("status-token", defaultStatusToken, "bearer token required by the status api, open when empty")
	metricsPortPtr  = flag.String("metrics-port", defaultMetricsPort, "port of the metrics and pprof listener")
	configPtr       = flag.String("config", defaultConfig, "networks config file")
	relaysConfigPtr = flag.String("relays-config", defaultRelaysConfig, "bundle relays config file, bundles are disabled when empty")
	redisPtr        = flag.String("redis", defaultRedisEndpoint, "redis url string, weights and processed transactions are kept in the database and in memory when empty")
	redisPrefixPtr  = flag.String("redis-prefix", defaultRedisPrefix, "prefix of redis keys")
	dbDriverPtr     = flag.String("db-driver", defaultDBDriver, "outcome history database driver (postgres or sqlite)")
	dbDSNPtr        = flag.String("db-dsn", defaultDBDSN, "outcome history database dsn, history is disabled when empty")
)

func main() {
	// a missing .env is fine
	_ = godotenv.Load()
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	logger.Info("Starting mempool-executor", zap.String("version", version))

	config, err := executor.LoadConfig(*configPtr)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	var deps executor.OrchestratorDeps

	if *relaysConfigPtr != "" {
		deps.Relays, err = executor.LoadRelayConfig(logger, *relaysConfigPtr)
		if err != nil {
			logger.Fatal("Failed to load relays config", zap.Error(err))
		}
	}

	if *dbDSNPtr != "" {
		dbBackend, err := executor.NewDBBackend(*dbDriverPtr, *dbDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create database backend", zap.Error(err))
		}
		defer dbBackend.Close()
		deps.Outcomes = dbBackend
		deps.History = dbBackend
		deps.Weights = dbBackend
	}

	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()
		// redis takes over the weights, the database keeps the history
		deps.Weights = redisadapter.NewWeightStore(redisClient, *redisPrefixPtr+"-weights:")
		deps.Processed = redisadapter.NewProcessedCache(redisClient, config.ProcessedTTL, *redisPrefixPtr+"-processed:")
	}

	orchestrator := executor.NewOrchestrator(logger, config, deps)
	if err := orchestrator.Start(ctx); err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}

	statusHandler, err := statusapi.NewAPI(logger, orchestrator).Handler(*statusTokenPtr)
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           statusHandler,
	}
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("ListenAndServe: ", zap.Error(err))
		}
	}()

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", *metricsPortPtr),
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           metricsMux,
	}
	go func() {
		err := metricsServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	notifier := make(chan os.Signal, 1)
	signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
	<-notifier
	logger.Info("Shutting down...")
	orchestrator.Stop()
	// wait for in-flight opportunities to drain and broadcast transactions to resolve
	orchestrator.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown metrics server", zap.Error(err))
	}
}
