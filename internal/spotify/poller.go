package spotify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/spufify/internal/playback"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 100 * time.Millisecond
)

// playerAPI is the part of *spotify.Client the poller uses.
type playerAPI interface {
	PlayerState(ctx context.Context, opts ...spotify.RequestOption) (*spotify.PlayerState, error)
	Token() (*oauth2.Token, error)
}

// Poller implements playback.Poller against the Spotify Web API.
type Poller struct {
	api         playerAPI
	cache       *TokenCache
	limiter     *rate.Limiter
	maxAttempts int
	backoff     time.Duration

	mu         sync.Mutex
	lastAccess string
}

// NewPoller creates a poller for an authorized client. Refreshed tokens are
// written back to cache when it is non-nil.
func NewPoller(c *spotify.Client, cache *TokenCache) *Poller {
	return newPoller(c, cache)
}

func newPoller(api playerAPI, cache *TokenCache) *Poller {
	p := &Poller{
		api:         api,
		cache:       cache,
		limiter:     rate.NewLimiter(rate.Every(250*time.Millisecond), 2),
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	if tok, err := api.Token(); err == nil && tok != nil {
		p.lastAccess = tok.AccessToken
	}
	return p
}

// Connect loads the cached token, running the browser login when there is
// none, and returns a poller on an auto-refreshing client.
func Connect(ctx context.Context, clientID, secret, redirectURI, cachePath string) (*Poller, error) {
	auth := NewAuthenticator(clientID, secret, redirectURI)
	cache := &TokenCache{Path: cachePath}

	tok, err := cache.Load()
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			log.Printf("WARN spotify: %v, logging in again", err)
		}
		tok, err = Login(ctx, auth, redirectURI)
		if err != nil {
			return nil, err
		}
		if err := cache.Save(tok); err != nil {
			log.Printf("WARN spotify: save token: %v", err)
		}
	}

	client := spotify.New(auth.Client(ctx, tok))
	log.Println("Spotify client ready")
	return NewPoller(client, cache), nil
}

// Poll returns the current snapshot, or nil when nothing is playing.
// Transient failures are retried with exponential backoff inside ctx.
func (p *Poller) Poll(ctx context.Context) (*playback.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", playback.ErrPoll, err)
		}
		st, err := p.api.PlayerState(ctx)
		if err == nil {
			p.persistToken()
			return toSnapshot(st), nil
		}
		lastErr = err
		if !retryable(err) || attempt == p.maxAttempts-1 {
			break
		}
		log.Printf("WARN spotify: retry attempt %d/%d after error: %v", attempt+1, p.maxAttempts, err)
		if err := sleepWithContext(ctx, p.backoff*time.Duration(1<<attempt)); err != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", playback.ErrPoll, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se spotify.Error
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= http.StatusInternalServerError
	}
	return true
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// persistToken saves the token when the client refreshed it.
func (p *Poller) persistToken() {
	if p.cache == nil {
		return
	}
	tok, err := p.api.Token()
	if err != nil || tok == nil {
		return
	}
	p.mu.Lock()
	changed := tok.AccessToken != p.lastAccess
	p.lastAccess = tok.AccessToken
	p.mu.Unlock()
	if !changed {
		return
	}
	if err := p.cache.Save(tok); err != nil {
		log.Printf("WARN spotify: save refreshed token: %v", err)
		return
	}
	log.Println("Spotify token refreshed")
}

// toSnapshot maps the player state. No item while playing is an ad; no item
// while stopped is nothing at all.
func toSnapshot(st *spotify.PlayerState) *playback.Snapshot {
	if st == nil {
		return nil
	}
	if st.Item == nil {
		if !st.Playing {
			return nil
		}
		return &playback.Snapshot{
			IsPlaying: true,
			IsAd:      true,
			Title:     "Advertisement",
			Artist:    "Spotify",
		}
	}

	item := st.Item
	artists := make([]string, 0, len(item.Artists))
	for _, a := range item.Artists {
		artists = append(artists, a.Name)
	}
	s := &playback.Snapshot{
		IsPlaying:  st.Playing,
		TrackID:    string(item.ID),
		Title:      item.Name,
		Artist:     strings.Join(artists, ", "),
		Album:      item.Album.Name,
		DurationMS: int(item.Duration),
		ProgressMS: int(st.Progress),
	}
	if len(item.Album.Images) > 0 {
		s.CoverURL = item.Album.Images[0].URL
	}
	return s
}
