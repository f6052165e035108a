package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/satindergrewal/spufify/internal/capture"
	"github.com/satindergrewal/spufify/internal/config"
)

var (
	version = "0.1.0"
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "spufify",
	Short: "Record Spotify playback track by track",
	Long: `spufify captures the system's loopback audio while Spotify plays and
splits it into one tagged file per track.`,
	SilenceUsage: true,
	RunE:         runRecord,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Start recording (default)",
	RunE:  runRecord,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and the one that would be used",
	RunE:  runDevices,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "spufify v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "environment file to load before reading settings")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, err
	}
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// setupLogging tees the standard logger into a rotating file when path is
// set. The returned func closes the file.
func setupLogging(path string) func() {
	if path == "" {
		return func() {}
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, lj))
	return func() {
		log.SetOutput(os.Stderr)
		lj.Close()
	}
}

var lookPath = exec.LookPath

// preflight checks what recording can't start without.
func preflight(cfg config.Config) error {
	if _, err := lookPath(cfg.FFmpegPath); err != nil {
		return fmt.Errorf("%s not found, install ffmpeg or set SPUFIFY_FFMPEG: %w", cfg.FFmpegPath, err)
	}
	if !cfg.HasSpotifyCredentials() {
		return fmt.Errorf("SPOTIFY_CLIENT_ID and SPOTIFY_CLIENT_SECRET must be set (environment or %s)", envFile)
	}
	return nil
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b := capture.NewPulseBackend(cfg.FFmpegPath)
	devs, err := b.Devices(ctx)
	if err != nil {
		return err
	}
	out, err := b.DefaultOutput(ctx)
	if err != nil {
		log.Printf("WARN devices: default output: %v", err)
	}
	selected := ""
	if d, err := capture.SelectDevice(devs, cfg.AudioDevice, out); err == nil {
		selected = d.ID
	}
	printDevices(cmd.OutOrStdout(), devs, selected)
	if selected == "" {
		return capture.ErrDeviceUnavailable
	}
	return nil
}

func printDevices(w io.Writer, devs []capture.Device, selected string) {
	if len(devs) == 0 {
		fmt.Fprintln(w, "No capture devices found.")
		return
	}
	for _, d := range devs {
		mark := " "
		if d.ID == selected {
			mark = "*"
		}
		kind := "input"
		if d.Loopback {
			kind = "loopback"
		}
		rate := "?"
		if d.NativeRate > 0 {
			rate = fmt.Sprint(d.NativeRate)
		}
		fmt.Fprintf(w, "%s %-8s %6s Hz  %s\n    %s\n", mark, kind, rate, d.Name, d.ID)
	}
}
