// Package main provides the server entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	apiconnect "github.com/osa030/sonicbox/internal/api/connect"
	"github.com/osa030/sonicbox/internal/api/ws"
	"github.com/osa030/sonicbox/internal/app/filter"
	"github.com/osa030/sonicbox/internal/app/nowplaying"
	"github.com/osa030/sonicbox/internal/app/orchestrator"
	"github.com/osa030/sonicbox/internal/app/replenish"
	"github.com/osa030/sonicbox/internal/infra/audio"
	"github.com/osa030/sonicbox/internal/infra/config"
	"github.com/osa030/sonicbox/internal/infra/logger"
	"github.com/osa030/sonicbox/internal/infra/spotify"
	"github.com/osa030/sonicbox/internal/infra/store"
	"github.com/osa030/sonicbox/internal/infra/subsonic"
)

var (
	app        = kingpin.New("sonicbox-server", "sonicbox music player server")
	configPath = app.Flag("config", "Path to config file").Default("config/server.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stdout)").String()

	// list-filters command
	listFiltersCmd = app.Command("list-filters", "List available filters and exit")
)

func init() {
	// start command (default) - no need to store the command
	app.Command("start", "Start the server (default)").Default()
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == listFiltersCmd.FullCommand() {
		printFilters()
		return
	}

	// Logging starts on stdout; rotation settings come from the config below
	if err := logger.Init(loggerConfig(nil)); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	zlog.Info().Msgf("Loading config from %s", *configPath)
	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Msgf("Failed to load config: %v", err)
	}
	if err := logger.Init(loggerConfig(cfg)); err != nil {
		zlog.Fatal().Msgf("Failed to initialize logger: %v", err)
	}

	// Run server (defer ensures shutdown hook is called)
	if err := run(cfg); err != nil {
		zlog.Error().Msgf("Server error: %v", err)
		os.Exit(1)
	}
}

func loggerConfig(cfg *config.Config) logger.Config {
	lc := logger.Config{
		Output: "stdout",
		Level:  "info",
	}
	if *verbose {
		lc.Level = "debug"
	}
	if *logfile != "" {
		lc.Output = *logfile
		lc.File = *logfile
	}
	if cfg != nil {
		lc.MaxSizeMB = cfg.Log.MaxSizeMB
		lc.MaxBackups = cfg.Log.MaxBackups
		lc.MaxAgeDays = cfg.Log.MaxAgeDays
		lc.Compress = cfg.Log.Compress
	}
	return lc
}

// run executes the main server logic. Using a separate function ensures
// defer statements are executed even when returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	catalog, err := subsonic.New(subsonic.Config{
		BaseURL:           cfg.Subsonic.URL,
		Username:          cfg.Subsonic.Username,
		Password:          cfg.Subsonic.Password,
		ClientName:        cfg.Subsonic.ClientName,
		MaxBitRate:        cfg.Subsonic.MaxBitRate,
		Format:            cfg.Subsonic.Format,
		Timeout:           config.Millis(cfg.Subsonic.TimeoutMs),
		RequestsPerSecond: cfg.Subsonic.RequestsPerSecond,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create catalog client")
	}

	assets, err := store.Open(store.Config{
		Path:         cfg.Store.Path,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		return errors.Wrap(err, "failed to open asset store")
	}
	defer assets.Close()

	backend, err := audio.NewBackend(audio.Config{
		SampleRate: cfg.Playback.Audio.SampleRate,
		BufferSize: config.Millis(cfg.Playback.Audio.BufferMs),
	})
	if err != nil {
		return errors.Wrap(err, "failed to create audio backend")
	}

	// A nil interface, not a typed nil, when Spotify is not configured
	var spotifyClient replenish.SpotifyClient
	if cfg.Spotify.Configured() {
		client, err := spotify.New(ctx, spotify.Config{
			ClientID:     cfg.Spotify.ClientID,
			ClientSecret: cfg.Spotify.ClientSecret,
			RefreshToken: cfg.Spotify.RefreshToken,
			Market:       cfg.Spotify.Market,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create Spotify client")
		}
		if err := validatePlaylists(ctx, cfg, client); err != nil {
			return errors.Wrap(err, "playlist validation failed")
		}
		spotifyClient = client
	}

	feed := ws.NewFeed()
	defer feed.Close()

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Catalog:  catalog,
		Store:    assets,
		Backend:  backend,
		Spotify:  spotifyClient,
		Surfaces: []nowplaying.Surface{feed},
	})
	if err != nil {
		return errors.Wrap(err, "failed to create orchestrator")
	}
	defer orch.Close()

	if err := orch.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start orchestrator")
	}

	mux := http.NewServeMux()
	path, handler := apiconnect.NewPlayerServiceHandler(
		apiconnect.NewPlayerService(orch),
		connect.WithInterceptors(apiconnect.NewAuthInterceptor(cfg.Server.APIToken)),
	)
	mux.Handle(path, handler)
	mux.Handle(ws.Path, feed)

	if cfg.Server.APIToken == "" {
		zlog.Warn().Msg("API token not configured, the control API is open")
	}

	// Create server with h2c (HTTP/2 cleartext) support
	serverAddr := cfg.Server.Addr
	server := &http.Server{
		Addr:    serverAddr,
		Handler: h2c.NewHandler(mux, &http2.Server{}),
	}

	serverErrCh := make(chan error, 1)
	serverStartedCh := make(chan struct{})

	go func() {
		zlog.Info().Msgf("Starting server: addr=%s", serverAddr)
		close(serverStartedCh)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	// Wait for server to start listening
	<-serverStartedCh
	time.Sleep(100 * time.Millisecond)

	executeHooks(cfg.Server.Hooks.OnStarted, "on_started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		zlog.Info().Msg("Received shutdown signal...")
	case err := <-serverErrCh:
		return errors.Wrap(err, "server error")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close the feed and engines first so streaming clients disconnect
	feed.Close()
	orch.Close()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Msgf("Failed to shutdown server: %v", err)
	}

	zlog.Info().Msg("Server stopped")

	executeHooks(cfg.Server.Hooks.OnStopped, "on_stopped")

	return nil
}

// printFilters prints available filters.
func printFilters() {
	registry := filter.GetRegistered()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("Available Filters:")
	for _, name := range names {
		f := registry[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-30s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}

// validatePlaylists validates that configured playlists exist on Spotify.
// It retries with exponential backoff to ride out transient errors during startup.
func validatePlaylists(ctx context.Context, cfg *config.Config, spotifyClient *spotify.Client) error {
	maxRetries := 5
	baseDelay := 1 * time.Second

	var errs []string

	validate := func(name, url string) error {
		zlog.Info().Msgf("Validating %s playlist: url=%s", name, url)

		var lastErr error
		for i := 0; i < maxRetries; i++ {
			if i > 0 {
				delay := baseDelay * time.Duration(1<<uint(i-1))
				zlog.Info().Msgf("Retrying %s playlist validation in %v...", name, delay)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}

			if err := spotifyClient.CheckPlaylistExists(ctx, url); err != nil {
				lastErr = err
				zlog.Warn().Msgf("Failed to validate %s playlist (attempt %d/%d): %v", name, i+1, maxRetries, err)
				continue
			}

			zlog.Info().Msgf("Playlist %s validated successfully", name)
			return nil
		}
		return errors.Newf("failed after %d attempts: %v", maxRetries, lastErr)
	}

	for _, p := range cfg.Replenish.Playlists() {
		url := p.PlaylistURL()
		if err := validate(p.Name(), url); err != nil {
			errs = append(errs, fmt.Sprintf("%s playlist (%s): %v", p.Name(), url, err))
		}
	}

	if len(errs) > 0 {
		return errors.Newf("playlist validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// executeHooks runs a list of shell commands.
func executeHooks(hooks []string, stage string) {
	if len(hooks) == 0 {
		return
	}

	zlog.Info().Msgf("Executing %s hooks (%d commands)", stage, len(hooks))

	for _, hook := range hooks {
		zlog.Info().Msgf("Executing hook: %s", hook)
		// Use sh -c to allow shell features like redirection or pipes
		cmd := exec.Command("sh", "-c", hook)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			zlog.Error().Err(err).Msgf("Failed to execute hook: %s", hook)
		}
	}
}
