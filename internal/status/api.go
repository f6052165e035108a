package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/satindergrewal/spufify/internal/capture"
	"github.com/satindergrewal/spufify/internal/library"
	"github.com/satindergrewal/spufify/internal/recorder"
)

const restartTimeout = 30 * time.Second

// Controls are the manual playback overrides.
type Controls interface {
	ManualPause()
	ManualResume()
}

// Session is the capture session as the API sees it.
type Session interface {
	Devices(ctx context.Context) ([]capture.Device, string, error)
	RestartCaptureSession(ctx context.Context, h recorder.Hint) error
}

// Recordings lists ledger rows.
type Recordings interface {
	Recent(ctx context.Context, limit int) ([]library.Recording, error)
}

// API serves the board and the controls over HTTP.
type API struct {
	board      *Board
	controls   Controls
	session    Session
	recordings Recordings
}

// NewAPI creates the API. Any dependency other than board may be nil; its
// endpoints then answer 503.
func NewAPI(board *Board, controls Controls, session Session, recordings Recordings) *API {
	return &API{board: board, controls: controls, session: session, recordings: recordings}
}

// Register mounts the endpoints on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", a.handleStatus)
	mux.HandleFunc("/api/events", a.board.ServeWS)
	mux.HandleFunc("/api/recordings", a.handleRecordings)
	mux.HandleFunc("/api/devices", a.handleDevices)
	mux.HandleFunc("/api/pause", a.handleControl(true))
	mux.HandleFunc("/api/resume", a.handleControl(false))
	mux.HandleFunc("/api/restart", a.handleRestart)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.board.Current())
}

func (a *API) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if a.recordings == nil {
		http.Error(w, "library disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be 1-500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := a.recordings.Recent(r.Context(), limit)
	if err != nil {
		log.Printf("WARN status: list recordings: %v", err)
		http.Error(w, "list recordings failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

func (a *API) handleDevices(w http.ResponseWriter, r *http.Request) {
	if a.session == nil {
		http.Error(w, "no capture session", http.StatusServiceUnavailable)
		return
	}
	devs, sel, err := a.session.Devices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devs, "selected": sel})
}

func (a *API) handleControl(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		if a.controls == nil {
			http.Error(w, "no playback machine", http.StatusServiceUnavailable)
			return
		}
		if pause {
			a.controls.ManualPause()
		} else {
			a.controls.ManualResume()
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "manual_pause": pause})
	}
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if a.session == nil {
		http.Error(w, "no capture session", http.StatusServiceUnavailable)
		return
	}
	var h recorder.Hint
	if err := json.NewDecoder(r.Body).Decode(&h); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if h.SampleRate < 0 {
		http.Error(w, "invalid sample_rate", http.StatusBadRequest)
		return
	}
	// A restart must not be cut short by the client hanging up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), restartTimeout)
	defer cancel()
	if err := a.session.RestartCaptureSession(ctx, h); err != nil {
		log.Printf("WARN status: restart capture: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
