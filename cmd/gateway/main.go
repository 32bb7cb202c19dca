// Command gateway starts the Driftcast ingest gateway: the stream admission
// API and the WHIP proxy in front of the media upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"driftcast/internal/admission"
	"driftcast/internal/api"
	"driftcast/internal/identity"
	"driftcast/internal/journal"
	"driftcast/internal/observability/logging"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/proxy"
	"driftcast/internal/server"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	identitySecret := flag.String("identity-secret", "", "secret keying the visitor fingerprint HMAC")

	admissionDriver := flag.String("admission-store", "", "admission store driver (memory or redis)")
	admissionFailMode := flag.String("admission-fail-mode", "", "behaviour when the admission store is unreachable (open or closed)")
	streamTTL := flag.Duration("stream-ttl", 0, "active stream registration lifetime")
	creationCooldown := flag.Duration("creation-cooldown", 0, "cooldown applied after a stream creation")
	admissionRedisAddr := flag.String("admission-redis-addr", "", "Redis address for the shared admission store")
	admissionRedisAddrs := flag.String("admission-redis-addrs", "", "comma separated Redis addresses for the shared admission store")
	admissionRedisUsername := flag.String("admission-redis-username", "", "Redis username for the admission store")
	admissionRedisPassword := flag.String("admission-redis-password", "", "Redis password for the admission store")
	admissionRedisMasterName := flag.String("admission-redis-sentinel-master", "", "Redis sentinel master name for the admission store")
	admissionRedisPoolSize := flag.Int("admission-redis-pool-size", 0, "maximum Redis connections for the admission store")
	admissionRedisTimeout := flag.Duration("admission-redis-timeout", 0, "timeout for admission store Redis operations")
	admissionRedisTLSCA := flag.String("admission-redis-tls-ca", "", "path to Redis TLS CA certificate for the admission store")
	admissionRedisTLSCert := flag.String("admission-redis-tls-cert", "", "path to Redis TLS client certificate for the admission store")
	admissionRedisTLSKey := flag.String("admission-redis-tls-key", "", "path to Redis TLS client key for the admission store")
	admissionRedisTLSServerName := flag.String("admission-redis-tls-server-name", "", "override Redis TLS server name for the admission store")
	admissionRedisTLSSkipVerify := flag.Bool("admission-redis-tls-skip-verify", false, "skip Redis TLS verification for the admission store")

	journalDriver := flag.String("journal-driver", "", "ingest journal driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the ingest journal")
	journalRetention := flag.Duration("journal-retention", 0, "how long journal entries are kept before pruning")

	upstreamHosts := flag.String("upstream-hosts", "", "comma separated allowlist of WHIP upstream hosts")
	upstreamAllowLoopback := flag.Bool("upstream-allow-loopback", false, "permit loopback upstream targets (development only)")
	publicBaseURL := flag.String("public-base-url", "", "externally visible gateway base URL for rewritten session resources")
	upstreamTimeout := flag.Duration("upstream-timeout", 0, "timeout for forwarded upstream requests")
	maxBodyBytes := flag.Int64("max-body-bytes", 0, "size ceiling for forwarded request bodies")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	creationLimit := flag.Int("rate-creation-limit", 0, "maximum stream creations per window for a single IP")
	creationWindow := flag.Duration("rate-creation-window", 0, "window for counting stream creations")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for the shared creation rate limiter")
	rateRedisUsername := flag.String("rate-redis-username", "", "Redis username for the creation rate limiter")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for the creation rate limiter")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	corsOrigins := flag.String("cors-allowed-origins", "", "comma separated origins allowed to call the gateway")
	purgeInterval := flag.Duration("purge-interval", 0, "interval between expired registration sweeps")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DRIFTCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DRIFTCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("DRIFTCAST_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("DRIFTCAST_ADDR"))

	secret := firstNonEmpty(*identitySecret, os.Getenv("DRIFTCAST_IDENTITY_SECRET"))
	if secret == "" {
		logger.Error("identity secret is required: set --identity-secret or DRIFTCAST_IDENTITY_SECRET")
		os.Exit(1)
	}
	resolverCfg := identity.Config{Secret: secret}
	if serverMode == "production" {
		resolverCfg.SecureMode = identity.CookieSecureAlways
	}
	resolver, err := identity.NewResolver(resolverCfg)
	if err != nil {
		logger.Error("failed to configure identity resolver", "error", err)
		os.Exit(1)
	}

	admissionOpts := []admission.Option{
		admission.WithLogger(logging.WithComponent(logger, "admission")),
	}
	if ttl := resolveDuration(*streamTTL, "DRIFTCAST_STREAM_TTL", 0); ttl > 0 {
		admissionOpts = append(admissionOpts, admission.WithStreamTTL(ttl))
	}
	if cooldown := resolveDuration(*creationCooldown, "DRIFTCAST_CREATION_COOLDOWN", 0); cooldown > 0 {
		admissionOpts = append(admissionOpts, admission.WithCooldown(cooldown))
	}

	storeDriver, err := resolveAdmissionDriver(
		*admissionDriver,
		os.Getenv("DRIFTCAST_ADMISSION_STORE"),
		firstNonEmpty(*admissionRedisAddr, os.Getenv("DRIFTCAST_ADMISSION_REDIS_ADDR"), *admissionRedisAddrs, os.Getenv("DRIFTCAST_ADMISSION_REDIS_ADDRS")),
	)
	if err != nil {
		logger.Error("failed to resolve admission store driver", "error", err)
		os.Exit(1)
	}

	var admissionStore *admission.RedisStore
	if storeDriver == "redis" {
		timeout := resolveDuration(*admissionRedisTimeout, "DRIFTCAST_ADMISSION_REDIS_TIMEOUT", 2*time.Second)
		store, err := admission.NewRedisStore(admission.RedisStoreConfig{
			Addr:         firstNonEmpty(*admissionRedisAddr, os.Getenv("DRIFTCAST_ADMISSION_REDIS_ADDR")),
			Addrs:        splitAndTrim(firstNonEmpty(*admissionRedisAddrs, os.Getenv("DRIFTCAST_ADMISSION_REDIS_ADDRS"))),
			Username:     firstNonEmpty(*admissionRedisUsername, os.Getenv("DRIFTCAST_ADMISSION_REDIS_USERNAME")),
			Password:     firstNonEmpty(*admissionRedisPassword, os.Getenv("DRIFTCAST_ADMISSION_REDIS_PASSWORD")),
			MasterName:   firstNonEmpty(*admissionRedisMasterName, os.Getenv("DRIFTCAST_ADMISSION_REDIS_SENTINEL_MASTER")),
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			PoolSize:     resolveInt(*admissionRedisPoolSize, "DRIFTCAST_ADMISSION_REDIS_POOL_SIZE"),
			TLS: admission.RedisTLSConfig{
				CAFile:             firstNonEmpty(*admissionRedisTLSCA, os.Getenv("DRIFTCAST_ADMISSION_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*admissionRedisTLSCert, os.Getenv("DRIFTCAST_ADMISSION_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*admissionRedisTLSKey, os.Getenv("DRIFTCAST_ADMISSION_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*admissionRedisTLSServerName, os.Getenv("DRIFTCAST_ADMISSION_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*admissionRedisTLSSkipVerify, "DRIFTCAST_ADMISSION_REDIS_TLS_SKIP_VERIFY"),
			},
		})
		if err != nil {
			logger.Error("failed to configure admission store", "error", err)
			os.Exit(1)
		}
		admissionStore = store
		admissionOpts = append(admissionOpts, admission.WithDistributedStore(store))

		failMode, err := resolveFailMode(*admissionFailMode, os.Getenv("DRIFTCAST_ADMISSION_FAIL_MODE"), serverMode)
		if err != nil {
			logger.Error("failed to resolve admission fail mode", "error", err)
			os.Exit(1)
		}
		admissionOpts = append(admissionOpts, admission.WithFailMode(failMode))
	}
	registry := admission.NewRegistry(admissionOpts...)

	journalDSN := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("DRIFTCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	recorderDriver, err := resolveJournalDriver(*journalDriver, os.Getenv("DRIFTCAST_JOURNAL_DRIVER"), journalDSN)
	if err != nil {
		logger.Error("failed to resolve journal driver", "error", err)
		os.Exit(1)
	}
	var (
		journalRecorder journal.Recorder
		journalCloser   func(context.Context) error
	)
	switch recorderDriver {
	case "memory":
		journalRecorder = journal.NewMemoryRecorder()
	case "postgres":
		pgRecorder, err := journal.NewPostgresRecorder(journalDSN)
		if err != nil {
			logger.Error("failed to open ingest journal", "error", err)
			os.Exit(1)
		}
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pgRecorder.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			logger.Error("failed to prepare journal schema", "error", err)
			os.Exit(1)
		}
		journalRecorder = pgRecorder
		journalCloser = pgRecorder.Close
	default:
		logger.Error("unsupported journal driver", "driver", recorderDriver)
		os.Exit(1)
	}

	hosts := splitAndTrim(firstNonEmpty(*upstreamHosts, os.Getenv("DRIFTCAST_UPSTREAM_HOSTS")))
	allowLoopback := resolveBool(*upstreamAllowLoopback, "DRIFTCAST_UPSTREAM_ALLOW_LOOPBACK")
	if serverMode == "production" && allowLoopback {
		logger.Error("loopback upstreams are not permitted in production mode")
		os.Exit(1)
	}
	ingestProxy, err := proxy.New(proxy.Config{
		AllowedHosts:    hosts,
		AllowLoopback:   allowLoopback,
		PublicBaseURL:   firstNonEmpty(*publicBaseURL, os.Getenv("DRIFTCAST_PUBLIC_BASE_URL")),
		UpstreamTimeout: resolveDuration(*upstreamTimeout, "DRIFTCAST_UPSTREAM_TIMEOUT", 0),
		MaxBodyBytes:    resolveInt64(*maxBodyBytes, "DRIFTCAST_MAX_BODY_BYTES"),
		Logger:          logger,
		Metrics:         recorder,
		Journal:         journalRecorder,
	}, resolver, registry)
	if err != nil {
		logger.Error("failed to configure ingest proxy", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(registry, resolver)
	handler.Journal = journalRecorder
	handler.Metrics = recorder
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, ingestProxy, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("DRIFTCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("DRIFTCAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:      resolveFloat(*globalRPS, "DRIFTCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:    resolveInt(*globalBurst, "DRIFTCAST_RATE_GLOBAL_BURST"),
			CreationLimit:  resolveInt(*creationLimit, "DRIFTCAST_RATE_CREATION_LIMIT"),
			CreationWindow: resolveDuration(*creationWindow, "DRIFTCAST_RATE_CREATION_WINDOW", time.Minute),
			RedisAddr:      firstNonEmpty(*rateRedisAddr, os.Getenv("DRIFTCAST_RATE_REDIS_ADDR")),
			RedisUsername:  firstNonEmpty(*rateRedisUsername, os.Getenv("DRIFTCAST_RATE_REDIS_USERNAME")),
			RedisPassword:  firstNonEmpty(*rateRedisPassword, os.Getenv("DRIFTCAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:   resolveDuration(*rateRedisTimeout, "DRIFTCAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("DRIFTCAST_CORS_ALLOWED_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sweepInterval := resolveDuration(*purgeInterval, "DRIFTCAST_PURGE_INTERVAL", time.Minute)
	purgeStop := startRegistryPurgeWorker(workerCtx, logging.WithComponent(logger, "registry-sweeper"), registry, sweepInterval)
	defer purgeStop()
	retention := resolveDuration(*journalRetention, "DRIFTCAST_JOURNAL_RETENTION", 7*24*time.Hour)
	pruneStop := startJournalPruneWorker(workerCtx, logging.WithComponent(logger, "journal-pruner"), journalRecorder, time.Hour, retention)
	defer pruneStop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("Driftcast gateway listening", "addr", listenAddr, "mode", serverMode)
		if len(hosts) > 0 {
			logger.Info("WHIP upstreams allowlisted", "hosts", strings.Join(hosts, ","))
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	purgeStop()
	pruneStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if admissionStore != nil {
		if err := admissionStore.Close(); err != nil {
			logger.Warn("failed to close admission store", "error", err)
		}
	}
	if journalCloser != nil {
		if err := journalCloser(ctx); err != nil {
			logger.Warn("failed to close ingest journal", "error", err)
		}
	}

	logger.Info("gateway stopped")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":443"
	}
	return ":8080"
}

func resolveAdmissionDriver(flagValue, envValue, redisAddr string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	if driver == "" {
		if strings.TrimSpace(redisAddr) != "" {
			return "redis", nil
		}
		return "memory", nil
	}
	switch driver {
	case "memory", "redis":
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported admission store driver %q", driver)
	}
}

func resolveFailMode(flagValue, envValue, mode string) (admission.FailMode, error) {
	raw := strings.ToLower(strings.TrimSpace(flagValue))
	if raw == "" {
		raw = strings.ToLower(strings.TrimSpace(envValue))
	}
	if raw == "" {
		// A production fleet cannot fall back to per-instance state
		// without breaking the one-stream-per-client guarantee.
		if mode == "production" {
			return admission.FailClosed, nil
		}
		return admission.FailOpen, nil
	}
	switch raw {
	case "open":
		return admission.FailOpen, nil
	case "closed":
		return admission.FailClosed, nil
	default:
		return "", fmt.Errorf("unsupported admission fail mode %q", raw)
	}
}

func resolveJournalDriver(flagValue, envValue, dsn string) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(flagValue))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envValue))
	}
	if driver == "" {
		if dsn != "" {
			return "postgres", nil
		}
		return "memory", nil
	}
	switch driver {
	case "memory", "postgres":
		if driver == "postgres" && dsn == "" {
			return "", fmt.Errorf("postgres journal selected without DSN")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported journal driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
