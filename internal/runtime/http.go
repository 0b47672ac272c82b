package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-notes/internal/recognition"
	"github.com/loqalabs/loqa-notes/internal/transcript"
)

type linesResponse struct {
	NoteID  string            `json:"note_id"`
	State   string            `json:"state"`
	Version uint64            `json:"version"`
	Lines   []transcript.Line `json:"lines"`
	Fault   *transcript.Fault `json:"fault,omitempty"`
}

type stateResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type editRequest struct {
	Text string `json:"text"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /lines", r.handleLines)
	mux.HandleFunc("POST /lines/clear", r.handleClear)
	mux.HandleFunc("PUT /lines/{id}", r.handleEdit)
	mux.HandleFunc("POST /recognition/start", r.handleStart)
	mux.HandleFunc("POST /recognition/stop", r.handleStop)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleLines(w http.ResponseWriter, _ *http.Request) {
	snap := r.store.Snapshot()
	lines := snap.Lines
	if lines == nil {
		lines = []transcript.Line{}
	}
	r.writeJSON(w, http.StatusOK, linesResponse{
		NoteID:  r.cfg.Transcript.NoteID,
		State:   r.ctrl.State().String(),
		Version: snap.Version,
		Lines:   lines,
		Fault:   snap.Fault,
	})
}

func (r *Runtime) handleStart(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	r.writeState(w, r.ctrl.StartRecognition(ctx, r.newReducer()))
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	r.writeState(w, r.ctrl.StopRecognition(ctx))
}

func (r *Runtime) handleClear(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	err := r.ctrl.WhenIdle(ctx, r.store.Clear)
	switch {
	case err == nil:
		r.writeJSON(w, http.StatusAccepted, stateResponse{State: r.ctrl.State().String()})
	case errors.Is(err, recognition.ErrListening):
		r.writeJSON(w, http.StatusConflict, stateResponse{State: r.ctrl.State().String(), Error: "stop recognition before clearing"})
	default:
		r.writeJSON(w, http.StatusServiceUnavailable, stateResponse{State: r.ctrl.State().String(), Error: err.Error()})
	}
}

func (r *Runtime) handleEdit(w http.ResponseWriter, req *http.Request) {
	var body editRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64<<10)).Decode(&body); err != nil {
		r.writeJSON(w, http.StatusBadRequest, stateResponse{State: r.ctrl.State().String(), Error: "invalid body"})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()
	err := r.ctrl.WhenIdle(ctx, func() error {
		return r.store.Edit(ctx, req.PathValue("id"), body.Text)
	})
	switch {
	case err == nil:
		r.writeJSON(w, http.StatusOK, stateResponse{State: r.ctrl.State().String()})
	case errors.Is(err, recognition.ErrListening):
		r.writeJSON(w, http.StatusConflict, stateResponse{State: r.ctrl.State().String(), Error: "lines are read-only while listening"})
	case errors.Is(err, transcript.ErrNotFound):
		r.writeJSON(w, http.StatusNotFound, stateResponse{State: r.ctrl.State().String(), Error: err.Error()})
	default:
		r.writeJSON(w, http.StatusInternalServerError, stateResponse{State: r.ctrl.State().String(), Error: err.Error()})
	}
}

func (r *Runtime) writeState(w http.ResponseWriter, err error) {
	resp := stateResponse{State: r.ctrl.State().String()}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusInternalServerError
		if errors.Is(err, recognition.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
	}
	r.writeJSON(w, status, resp)
}

func (r *Runtime) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
