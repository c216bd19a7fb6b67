// Package main is the entry point for the Stellar Stream player service.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-stream/internal/audio"
	"github.com/edumarques81/stellar-stream/internal/config"
	"github.com/edumarques81/stellar-stream/internal/domain/discovery"
	"github.com/edumarques81/stellar-stream/internal/domain/player"
	"github.com/edumarques81/stellar-stream/internal/infra/cache"
	"github.com/edumarques81/stellar-stream/internal/infra/llm"
	"github.com/edumarques81/stellar-stream/internal/infra/mpd"
	"github.com/edumarques81/stellar-stream/internal/infra/nowplaying"
	"github.com/edumarques81/stellar-stream/internal/infra/relay"
	"github.com/edumarques81/stellar-stream/internal/transport/rest"
	"github.com/edumarques81/stellar-stream/internal/transport/socketio"
	"github.com/edumarques81/stellar-stream/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	// Command line flags
	configPath := flag.String("config", defaultConfigPath, "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	staticDir := flag.String("static", "", "Directory to serve static files from (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}
	if *debug || cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if *port != 0 {
		cfg.Listen.Port = *port
	}
	if *staticDir != "" {
		cfg.StaticDir = *staticDir
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid stream catalog")
	}

	// Print startup banner
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", version.GetInfo().String())
	log.Info().Msg("  Radio and DJ mix player")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Str("addr", cfg.Listen.Addr()).
		Strs("backends", cfg.Audio.Backends).
		Str("cache", cfg.Discovery.Cache.Driver).
		Bool("relay", cfg.Relay.URL != "").
		Int("stations", len(catalog.Stations())).
		Int("mixes", len(catalog.Mixes())).
		Msg("Configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthOpts []rest.Option

	// Audio back ends, in order of preference
	var backends []audio.Backend
	var mpdClient *mpd.Client
	for _, name := range cfg.Audio.Backends {
		switch name {
		case config.BackendSpeaker:
			backends = append(backends, audio.NewSpeakerBackend())
		case config.BackendMPD:
			mpdClient = mpd.NewClient(cfg.Audio.MPD.Host, cfg.Audio.MPD.Port, config.Secret(cfg.Audio.MPD.PasswordEnv))
			if err := mpdClient.Connect(); err != nil {
				log.Warn().Err(err).Str("addr", mpdClient.Addr()).Msg("MPD unavailable, will reconnect on demand")
			}
			backends = append(backends, audio.NewMPDBackend(mpdClient))
			healthOpts = append(healthOpts, rest.WithHealthCheck("mpd", func(context.Context) error {
				return mpdClient.Ping()
			}))
		}
	}
	selector := audio.NewSelector(backends...)

	// Discovery cache
	var store discovery.Store
	var db *cache.DB
	var janitor *cache.Janitor
	var redisStore *cache.RedisStore
	switch cfg.Discovery.Cache.Driver {
	case config.CacheSQLite:
		db = cache.NewDB(cfg.Discovery.Cache.SQLitePath)
		if err := db.Open(); err != nil {
			log.Fatal().Err(err).Str("path", db.Path()).Msg("Failed to open cache database")
		}
		store = db
		janitor = cache.NewJanitor(db, cfg.Discovery.Cache.PurgeInterval)
		go janitor.Start(ctx)
		healthOpts = append(healthOpts, rest.WithCacheStats(func(ctx context.Context) (any, error) {
			return db.GetStats(ctx)
		}))
	case config.CacheRedis:
		redisStore = cache.NewRedisStore(cfg.Discovery.Cache.RedisAddr,
			config.Secret(cfg.Discovery.Cache.RedisPasswordEnv),
			cache.WithKeyPrefix(cfg.Discovery.Cache.KeyPrefix))
		if err := redisStore.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Discovery.Cache.RedisAddr).Msg("Redis unavailable, descriptions will not be cached until it returns")
		}
		store = redisStore
		healthOpts = append(healthOpts, rest.WithHealthCheck("cache", redisStore.Ping))
	default:
		log.Warn().Msg("Discovery cache disabled")
	}

	// Discovery upstream
	up := cfg.Discovery.Upstream
	llmOpts := []llm.Option{
		llm.WithBaseURL(up.BaseURL),
		llm.WithModel(up.Model),
		llm.WithAPIKey(config.Secret(up.APIKeyEnv)),
		llm.WithTimeout(up.Timeout),
		llm.WithRateLimit(up.RateLimit),
	}
	if up.MaxTokens > 0 {
		llmOpts = append(llmOpts, llm.WithMaxTokens(up.MaxTokens))
	}
	if config.Secret(up.APIKeyEnv) == "" {
		log.Warn().Str("env", up.APIKeyEnv).Msg("No upstream API key set, discovery requests will fail")
	}
	llmClient := llm.NewClient(llmOpts...)
	discoverySvc := discovery.NewService(store, llmClient)

	// Player
	var playerOpts []player.Option
	if db != nil {
		playerOpts = append(playerOpts, player.WithLastPlayed(db))
	}

	var relayClient *relay.Client
	if cfg.Relay.URL != "" {
		relayClient = relay.NewClient(cfg.Relay.URL)
		if err := relayClient.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start relay client")
		} else {
			playerOpts = append(playerOpts, player.WithRelay(relayClient))
			healthOpts = append(healthOpts, rest.WithHealthCheck("relay", func(context.Context) error {
				if relayClient.Status().Abandoned {
					return errors.New("relay unreachable")
				}
				return nil
			}))
		}
	}

	machine := player.NewMachine(selector, nowplaying.NewClient(), player.Config{
		LoadTimeout:  cfg.Player.LoadTimeout,
		PollInterval: cfg.Player.PollInterval,
	}, playerOpts...)
	machine.Start()

	// Create Socket.io server
	socketServer, err := socketio.NewServer(machine, catalog,
		socketio.WithDescriber(discoverySvc),
		socketio.WithBackends(selector.Names()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Socket.io server")
	}
	socketServer.Start()

	// Setup HTTP server
	routerOpts := append([]rest.Option{rest.WithDescriber(discoverySvc), rest.WithStatic(cfg.StaticDir)}, healthOpts...)
	router := rest.NewRouter(machine, catalog, routerOpts...)
	router.Handle("/socket.io/", socketServer)

	server := &http.Server{
		Addr:         cfg.Listen.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: up.Timeout + 10*time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info().Msg("Shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("HTTP server error")
	}

	socketServer.Close()
	machine.Close()
	if relayClient != nil {
		relayClient.Disconnect()
	}
	if janitor != nil {
		janitor.Stop()
	}
	if db != nil {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close cache database")
		}
	}
	if redisStore != nil {
		redisStore.Close()
	}
	if mpdClient != nil {
		mpdClient.Close()
	}
	llmClient.Close()

	log.Info().Msg("Server stopped")
}

// loadConfig reads path. A missing default config file yields the built-in
// defaults with an empty catalog.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		log.Warn().Str("path", path).Msg("No config file, using defaults")
		return config.Default(), nil
	}
	return nil, err
}
