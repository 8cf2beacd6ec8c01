package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/runbookd/internal/buildinfo"
	"github.com/hyperifyio/runbookd/internal/cache"
	"github.com/hyperifyio/runbookd/internal/config"
	"github.com/hyperifyio/runbookd/internal/feedback"
	"github.com/hyperifyio/runbookd/internal/ratelimit"
	"github.com/hyperifyio/runbookd/internal/registry"
	"github.com/hyperifyio/runbookd/internal/source"
	"github.com/hyperifyio/runbookd/internal/source/filesystem"
	"github.com/hyperifyio/runbookd/internal/source/forge"
	"github.com/hyperifyio/runbookd/internal/source/httpsource"
	"github.com/hyperifyio/runbookd/internal/source/wiki"
	"github.com/hyperifyio/runbookd/internal/toolsurface"
	"github.com/hyperifyio/runbookd/internal/transport/httpapi"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		configPath string
		addr       string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to the YAML configuration file")
	flag.StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (overrides config)")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("version", buildinfo.Version).Str("commit", buildinfo.Commit).Msg("starting runbookd")

	cfg := config.Config{Server: config.ServerConfig{Addr: addr}}
	if fc, err := config.LoadFile(configPath); err == nil {
		if aerr := config.ApplyFileConfig(&cfg, fc); aerr != nil {
			log.Fatal().Err(aerr).Msg("invalid configuration file")
		}
	} else if !os.IsNotExist(err) {
		log.Fatal().Err(err).Msg("failed to read configuration file")
	}
	config.ApplyEnvToConfig(&cfg)
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.QueryDeadline == 0 {
		cfg.Server.QueryDeadline = 10 * time.Second
	}
	if err := config.ResolveSecrets(cfg.Sources); err != nil {
		log.Fatal().Err(err).Msg("failed to resolve source credentials")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("run failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	reg := registry.New()
	sources := make([]config.SourceConfig, len(cfg.Sources))
	copy(sources, cfg.Sources)
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Priority < sources[j].Priority })
	refreshIntervals := map[string]time.Duration{}
	for _, sc := range sources {
		if !sc.Enabled {
			log.Info().Str("source", sc.Name).Msg("source disabled, skipping")
			continue
		}
		a, err := buildAdapter(sc, log.Logger)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		reg.Register(a)
		if sc.RefreshInterval > 0 {
			refreshIntervals[sc.Name] = sc.RefreshInterval
		}
	}

	if errs := reg.InitializeAll(ctx); len(errs) > 0 {
		for name, err := range errs {
			log.Warn().Err(err).Str("source", name).Msg("adapter failed to initialize")
		}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for name, err := range reg.CleanupAll(shutdownCtx) {
			log.Warn().Err(err).Str("source", name).Msg("adapter cleanup failed")
		}
	}()

	for name, interval := range refreshIntervals {
		a, ok := reg.Get(name)
		if !ok {
			continue
		}
		go runRefreshLoop(ctx, a, interval, log.Logger)
	}

	reg.WithCache(buildCache(cfg.Cache))

	toolReg := toolsurface.NewRegistry()
	feedbackStore := feedback.NewStore()
	eng := &toolsurface.Engine{Registry: reg, Feedback: feedbackStore, QueryDeadline: cfg.Server.QueryDeadline}
	if err := toolsurface.RegisterAll(toolReg, eng); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	server := &httpapi.Server{
		Registry:      reg,
		Tools:         toolReg,
		Feedback:      feedbackStore,
		QueryDeadline: cfg.Server.QueryDeadline,
		Log:           log.Logger,
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// runRefreshLoop calls RefreshIndex(force=false) on the configured
// cadence until ctx is cancelled. The adapters keep no "indexing in
// progress" flag: a tick that overlaps a watcher-driven or
// caller-triggered refresh of the same adapter runs a second rebuild,
// and the last one to finish replaces the index.
func runRefreshLoop(ctx context.Context, a source.Adapter, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RefreshIndex(ctx, false); err != nil {
				log.Warn().Err(err).Str("source", a.Name()).Msg("scheduled refresh failed")
			}
		}
	}
}

func buildCache(cfg config.CacheConfig) *cache.Cache {
	opts := cache.Options{L1MaxEntries: cfg.L1MaxEntries}
	if cfg.L2URL != "" {
		if store, err := cache.NewRedisStore(cfg.L2URL); err == nil {
			opts.L2 = store
		} else {
			log.Warn().Err(err).Msg("redis L2 cache disabled")
		}
	}
	ttl := make(map[cache.ContentType]time.Duration, len(cfg.TTLByType))
	for k, v := range cfg.TTLByType {
		ttl[cache.ContentType(k)] = v
	}
	opts.TTLOverrides = ttl
	c, err := cache.New(opts)
	if err != nil {
		log.Warn().Err(err).Msg("cache init failed, continuing without cache")
	}
	return c
}

func buildAdapter(sc config.SourceConfig, log zerolog.Logger) (source.Adapter, error) {
	rl := ratelimit.Config{
		Name:          sc.Name,
		MinInterval:   sc.RateLimit.MinInterval,
		HourlyLimit:   sc.RateLimit.HourlyLimit,
		QuotaFraction: sc.RateLimit.QuotaFraction,
		SafetyBuffer:  sc.RateLimit.SafetyBuffer,
	}
	switch sc.Type {
	case source.TypeFilesystem:
		return filesystem.New(filesystem.Config{Name: sc.Name, RootDir: sc.RootDir, Extensions: sc.Extensions, MaxDepth: sc.MaxDepth, Watch: sc.Watch, Categories: sc.Categories}, log), nil
	case source.TypeWiki:
		return wiki.New(wiki.Config{Name: sc.Name, BaseURL: sc.BaseURL, SpaceKey: sc.SpaceKey, Username: sc.Username, Token: sc.Token, Categories: sc.Categories, Timeout: sc.Timeout, RateLimit: rl}, log), nil
	case source.TypeForge:
		return forge.New(forge.Config{
			Name: sc.Name, APIBaseURL: sc.APIBaseURL, Owner: sc.Owner, Repo: sc.Repo, Ref: sc.Ref, Path: sc.Path, Token: sc.Token,
			CacheTTL: sc.CacheTTL, Concurrency: sc.Concurrency, BulkRepoCount: sc.BulkRepoCount, OrgScanConsent: sc.OrgScanConsent,
			Categories: sc.Categories, Timeout: sc.Timeout, RateLimit: rl,
		}, log), nil
	case source.TypeHTTP:
		endpoints := make([]httpsource.Endpoint, 0, len(sc.Endpoints))
		for _, e := range sc.Endpoints {
			endpoints = append(endpoints, httpsource.Endpoint{
				Name: e.Name, URL: e.URL, Method: e.Method, ExtractKind: httpsource.ExtractKind(e.ExtractKind), ExtractRule: e.ExtractRule, TitleRule: e.TitleRule,
				QueryParams: e.QueryParams, Body: e.Body, Headers: e.Headers, Timeout: e.Timeout,
				RateLimit: ratelimit.Config{Name: sc.Name + ":" + e.Name, MinInterval: e.RateLimit.MinInterval, HourlyLimit: e.RateLimit.HourlyLimit, QuotaFraction: e.RateLimit.QuotaFraction, SafetyBuffer: e.RateLimit.SafetyBuffer},
			})
		}
		return httpsource.New(httpsource.Config{Name: sc.Name, Endpoints: endpoints, Headers: sc.Headers, Categories: sc.Categories, Timeout: sc.Timeout, RateLimit: rl}, log), nil
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}
