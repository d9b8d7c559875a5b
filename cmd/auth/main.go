// Package main provides the Spotify authentication tool.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/osa030/sonicbox/internal/infra/config"
	"github.com/osa030/sonicbox/internal/infra/spotify"
)

var (
	app          = kingpin.New("sonicbox-auth", "Obtain a Spotify refresh token for the sonicbox playlist provider")
	clientID     = app.Flag("client-id", "Spotify Client ID").Envar("SPOTIFY_CLIENT_ID").Required().String()
	clientSecret = app.Flag("client-secret", "Spotify Client Secret").Envar("SPOTIFY_CLIENT_SECRET").Required().String()
	port         = app.Flag("port", "Callback server port").Default("8888").Int()
	configPath   = app.Flag("config", "Server config whose playlist providers are checked with the new token").String()
	playlists    = app.Flag("playlist", "Additional playlist URL to check (repeatable)").Strings()
)

const authState = "sonicbox-auth-state"

const completePage = `<!DOCTYPE html>
<html>
<head><title>sonicbox - Authorization Complete</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 20vh;">
<h1>Authorization Complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>
`

// playlistTarget is a playlist the new token must be able to read.
type playlistTarget struct {
	Name string
	URL  string
}

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	targets, market, err := playlistTargets(*configPath, *playlists)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to read playlists")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auth := spotifyauth.New(
		spotifyauth.WithRedirectURL(fmt.Sprintf("http://127.0.0.1:%d/callback", *port)),
		spotifyauth.WithClientID(*clientID),
		spotifyauth.WithClientSecret(*clientSecret),
		spotifyauth.WithScopes(spotify.Scopes...),
	)

	token, err := authorize(ctx, auth, *port, os.Stdout)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Authorization failed")
	}

	if failed := verify(ctx, token.RefreshToken, market, targets); failed > 0 {
		zlog.Warn().Msgf("%d of %d playlists could not be read with the new token", failed, len(targets))
	}

	printToken(os.Stdout, token.RefreshToken)
}

// playlistTargets collects the playlist providers of the server config plus
// extra URLs, without duplicates. The market comes from the config when given.
func playlistTargets(path string, extra []string) ([]playlistTarget, string, error) {
	var targets []playlistTarget
	market := ""
	seen := make(map[string]bool)

	if path != "" {
		// The config is usually incomplete until the token exists, so it is not validated.
		cfg, err := config.Read(path)
		if err != nil {
			return nil, "", errors.Wrap(err, "failed to read config")
		}
		market = cfg.Spotify.Market
		for _, p := range cfg.Replenish.Playlists() {
			if seen[p.PlaylistURL()] {
				continue
			}
			seen[p.PlaylistURL()] = true
			targets = append(targets, playlistTarget{Name: p.Name(), URL: p.PlaylistURL()})
		}
	}

	for _, url := range extra {
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		targets = append(targets, playlistTarget{Name: "playlist", URL: url})
	}
	return targets, market, nil
}

// authorize runs the callback server until Spotify redirects back with a code.
func authorize(ctx context.Context, auth *spotifyauth.Authenticator, port int, out io.Writer) (*oauth2.Token, error) {
	tokenCh := make(chan *oauth2.Token, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if st := r.FormValue("state"); st != authState {
			http.Error(w, "State mismatch", http.StatusForbidden)
			zlog.Error().Msgf("State mismatch: %s != %s", st, authState)
			return
		}
		token, err := auth.Token(r.Context(), authState, r)
		if err != nil {
			http.Error(w, "Failed to get token", http.StatusForbidden)
			zlog.Error().Err(err).Msg("Failed to get token")
			return
		}
		fmt.Fprint(w, completePage)
		select {
		case tokenCh <- token:
		default:
		}
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("Failed to shutdown callback server")
		}
	}()

	fmt.Fprintln(out, "Please visit the following URL to authorize sonicbox:")
	fmt.Fprintln(out)
	fmt.Fprintln(out, auth.AuthURL(authState))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Waiting for authorization...")

	select {
	case token := <-tokenCh:
		return token, nil
	case err := <-serverErr:
		return nil, errors.Wrap(err, "callback server failed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// verify checks every target with a client built from the new refresh token
// and returns the number of playlists that could not be read.
func verify(ctx context.Context, refreshToken, market string, targets []playlistTarget) int {
	if len(targets) == 0 {
		return 0
	}
	client, err := spotify.New(ctx, spotify.Config{
		ClientID:     *clientID,
		ClientSecret: *clientSecret,
		RefreshToken: refreshToken,
		Market:       market,
	})
	if err != nil {
		zlog.Error().Err(err).Msg("Failed to create Spotify client")
		return len(targets)
	}

	failed := 0
	for _, target := range targets {
		if err := client.CheckPlaylistExists(ctx, target.URL); err != nil {
			failed++
			zlog.Warn().Err(err).Msgf("Playlist %s is not readable: url=%s", target.Name, target.URL)
			continue
		}
		zlog.Info().Msgf("Playlist %s is readable", target.Name)
	}
	return failed
}

func printToken(w io.Writer, refreshToken string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Authorization Successful ===")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Refresh Token:")
	fmt.Fprintln(w, refreshToken)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Add this to your server.yaml:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "spotify:")
	fmt.Fprintf(w, "  refresh_token: %q\n", refreshToken)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Or set as environment variable:")
	fmt.Fprintf(w, "export SPOTIFY_REFRESH_TOKEN=%q\n", refreshToken)
}
