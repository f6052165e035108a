package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Spotify
	SpotifyClientID     string
	SpotifyClientSecret string
	SpotifyRedirectURI  string
	TokenCache          string

	// Output
	OutputDir    string
	TempDir      string // raw segments
	OutputFormat string // flac, mp3 or wav
	DBPath       string

	// Capture
	AudioDevice string // empty: pick the loopback of the active output
	SampleRate  int    // fallback when no candidate rate opens
	Channels    int
	BlockSize   int // frames per read
	QueueSize   int // batches

	// Timing
	PollInterval    time.Duration
	DrainTimeout    time.Duration
	ShutdownTimeout time.Duration

	MinFreeMB  int
	Workers    int // encoder workers
	Port       int // 0 disables the HTTP server
	FFmpegPath string
	LogFile    string
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	out := envStr("SPUFIFY_OUTPUT_DIR", defaultOutputDir())
	return Config{
		SpotifyClientID:     envStr("SPOTIFY_CLIENT_ID", ""),
		SpotifyClientSecret: envStr("SPOTIFY_CLIENT_SECRET", ""),
		SpotifyRedirectURI:  envStr("SPOTIFY_REDIRECT_URI", "http://127.0.0.1:8888/callback"),
		TokenCache:          envStr("SPOTIFY_TOKEN_CACHE", defaultTokenCache()),

		OutputDir:    out,
		TempDir:      envStr("SPUFIFY_TEMP_DIR", filepath.Join(out, ".raw")),
		OutputFormat: strings.ToLower(envStr("SPUFIFY_OUTPUT_FORMAT", "flac")),
		DBPath:       envStr("SPUFIFY_DB_PATH", filepath.Join(out, "library.db")),

		AudioDevice: envStr("SPUFIFY_AUDIO_DEVICE", ""),
		SampleRate:  envInt("SPUFIFY_SAMPLE_RATE", 44100),
		Channels:    envInt("SPUFIFY_CHANNELS", 2),
		BlockSize:   envInt("SPUFIFY_BLOCK_SIZE", 2048),
		QueueSize:   envInt("SPUFIFY_QUEUE_SIZE", 256),

		PollInterval:    envDuration("SPUFIFY_POLL_INTERVAL", time.Second),
		DrainTimeout:    envDuration("SPUFIFY_DRAIN_TIMEOUT", 500*time.Millisecond),
		ShutdownTimeout: envDuration("SPUFIFY_SHUTDOWN_TIMEOUT", 2*time.Second),

		MinFreeMB:  envInt("SPUFIFY_MIN_FREE_MB", 200),
		Workers:    envInt("SPUFIFY_WORKERS", 2),
		Port:       envInt("SPUFIFY_PORT", 8090),
		FFmpegPath: envStr("SPUFIFY_FFMPEG", "ffmpeg"),
		LogFile:    envStr("SPUFIFY_LOG_FILE", ""),
	}
}

// Validate reports every setting that can't work.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"flac", "mp3", "wav"}, c.OutputFormat) {
		errs = append(errs, fmt.Errorf("SPUFIFY_OUTPUT_FORMAT must be flac, mp3 or wav, got %q", c.OutputFormat))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("SPUFIFY_OUTPUT_DIR is empty"))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("SPUFIFY_SAMPLE_RATE must be positive, got %d", c.SampleRate))
	}
	if c.Channels < 1 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("SPUFIFY_CHANNELS must be 1 or 2, got %d", c.Channels))
	}
	for _, v := range []struct {
		key string
		n   int
	}{{"SPUFIFY_BLOCK_SIZE", c.BlockSize}, {"SPUFIFY_QUEUE_SIZE", c.QueueSize}, {"SPUFIFY_WORKERS", c.Workers}} {
		if v.n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", v.key, v.n))
		}
	}
	for _, v := range []struct {
		key string
		d   time.Duration
	}{{"SPUFIFY_POLL_INTERVAL", c.PollInterval}, {"SPUFIFY_DRAIN_TIMEOUT", c.DrainTimeout}, {"SPUFIFY_SHUTDOWN_TIMEOUT", c.ShutdownTimeout}} {
		if v.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", v.key, v.d))
		}
	}
	if c.MinFreeMB < 0 {
		errs = append(errs, fmt.Errorf("SPUFIFY_MIN_FREE_MB must not be negative, got %d", c.MinFreeMB))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("SPUFIFY_PORT out of range: %d", c.Port))
	}
	return errors.Join(errs...)
}

// HasSpotifyCredentials reports whether the client id and secret are set.
func (c Config) HasSpotifyCredentials() bool {
	return c.SpotifyClientID != "" && c.SpotifyClientSecret != ""
}

func defaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "Spufify"
	}
	return filepath.Join(home, "Music", "Spufify")
}

func defaultTokenCache() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".spotify-token.json"
	}
	return filepath.Join(dir, "spufify", "token.json")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("750ms", "2s") or bare milliseconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
