// Package spotify reports what the Spotify account is playing, via the Web
// API player endpoint.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

// ErrNoToken is returned by TokenCache.Load when nothing is cached.
var ErrNoToken = errors.New("no cached spotify token")

// TokenCache stores the OAuth token as JSON on disk.
type TokenCache struct {
	Path string
}

// Load reads the cached token.
func (c TokenCache) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(c.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token cache: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token cache: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, ErrNoToken
	}
	return &tok, nil
}

// Save writes tok atomically with owner-only permissions.
func (c TokenCache) Save(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token cache: %w", err)
	}
	return os.Rename(tmp, c.Path)
}

// NewAuthenticator builds the authorization-code authenticator with the
// playback-read scopes.
func NewAuthenticator(clientID, secret, redirectURI string) *spotifyauth.Authenticator {
	return spotifyauth.New(
		spotifyauth.WithClientID(clientID),
		spotifyauth.WithClientSecret(secret),
		spotifyauth.WithRedirectURL(redirectURI),
		spotifyauth.WithScopes(
			spotifyauth.ScopeUserReadPlaybackState,
			spotifyauth.ScopeUserReadCurrentlyPlaying,
		),
	)
}

// Login runs the authorization-code flow: it serves the redirect URI locally,
// logs the URL the user must open and waits for the callback.
func Login(ctx context.Context, auth *spotifyauth.Authenticator, redirectURI string) (*oauth2.Token, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	state := uuid.NewString()

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, func(w http.ResponseWriter, r *http.Request) {
		tok, err := auth.Token(r.Context(), state, r)
		if err != nil {
			http.Error(w, "Authorization failed", http.StatusForbidden)
			select {
			case done <- result{err: err}:
			default:
			}
			return
		}
		fmt.Fprintln(w, "Spufify is authorized. You can close this tab.")
		select {
		case done <- result{tok: tok}:
		default:
		}
	})

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", u.Host, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("Open this URL to authorize Spufify:\n  %s", auth.AuthURL(state))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("spotify authorization: %w", res.err)
		}
		return res.tok, nil
	}
}
