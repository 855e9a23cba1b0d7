package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"quickpaste/cfg"
	"quickpaste/pkg/secrets"
	"quickpaste/svc/api"
	"quickpaste/svc/blob"
	"quickpaste/svc/cache"
	"quickpaste/svc/db"
	"quickpaste/svc/ident"
	"quickpaste/svc/lim"
	"quickpaste/svc/svc"
	"quickpaste/svc/upload"
	"quickpaste/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(probe())
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			util.Fatal().Err(err).Msg("failed to read .env")
		}
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().
		Str("store", c.StoreBackend).
		Strs("allowed_origins", c.AllowedOrigins).
		Msg("starting quickpaste API")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretKey, err := blobSecret(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Str("source", c.Blob.SecretSource).Msg("failed to resolve blob secret key")
		os.Exit(1)
	}
	issuer, err := blob.NewMinioIssuer(blob.Options{
		Endpoint:  c.Blob.Endpoint,
		Bucket:    c.Blob.Bucket,
		Region:    c.Blob.Region,
		UseTLS:    c.Blob.UseTLS,
		AccessKey: c.Blob.AccessKey,
		SecretKey: secretKey,
		PublicURL: c.Blob.PublicURL,
	})
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize blob issuer")
		os.Exit(1)
	}
	util.Info().
		Str("endpoint", c.Blob.Endpoint).
		Str("bucket", c.Blob.Bucket).
		Msg("blob issuer initialized")

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c)
		if err != nil {
			if c.Environment == "production" || c.StoreBackend == cfg.StoreRedis {
				util.Fatal().Err(err).Str("url", util.RedactURL(c.RedisURL)).Msg("CRITICAL: redis unavailable")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode), rate limits are per-IP only")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			defer rdb.Close()
		}
	}

	st, err := openStore(ctx, c, rdb)
	if err != nil {
		util.Fatal().Err(err).Str("store", c.StoreBackend).Msg("failed to initialize record store")
		os.Exit(1)
	}
	defer st.close()
	util.Info().Str("store", c.StoreBackend).Msg("record store initialized")

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	allocator := ident.New(st.records.Exists, c.IDStartLength, c.IDMaxLength)
	pasteSvc := svc.NewPaste(st.records, lruCache, allocator, upload.NewCoordinator(issuer), c)

	proxies, err := lim.ParseProxies(c.TrustedProxies)
	if err != nil {
		util.Fatal().Err(err).Msg("invalid trusted proxies")
		os.Exit(1)
	}
	var counter lim.GlobalCounter
	var counterPing api.Pinger
	if rdb != nil {
		counter, counterPing = rdb, rdb
	}
	limiter := lim.New(lim.Options{
		GlobalRPM:  c.RateLimit.RPM,
		PerIPRPM:   c.RateLimit.PerIPRPM,
		PerIPBurst: c.RateLimit.Burst,
		Proxies:    proxies,
	}, counter)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("per_ip_rpm", c.RateLimit.PerIPRPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, counterPing)

	quitWAL := make(chan struct{})
	if st.sqlite != nil {
		go st.sqlite.StartWALMaintenance(quitWAL)
		util.Info().Msg("WAL maintenance worker started")
	}
	if st.sweeper != nil {
		go db.StartCleaner(ctx, st.sweeper, c.CleanupInterval)
	}

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	close(quitWAL)
	cancel()
	pasteSvc.Shutdown()
	util.Info().Msg("shutdown complete")
}

// probe checks a running instance on PORT and returns the exit code.
func probe() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// blobSecret prefers BLOB_SECRET_KEY and falls back to the configured
// secret source.
func blobSecret(ctx context.Context, c *cfg.Cfg) (string, error) {
	if c.Blob.SecretSource == "env" && c.Blob.SecretKey.Value() != "" {
		return c.Blob.SecretKey.Value(), nil
	}
	provider, err := secrets.NewProvider(ctx, c.Blob.SecretSource)
	if err != nil {
		return "", err
	}
	return provider.GetSecret(ctx, c.Blob.SecretName)
}
