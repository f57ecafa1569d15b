package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"sfmsweep/internal/pipeline"
	"sfmsweep/internal/storage"
)

// Server exposes run history and live sweep progress over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	runner   *pipeline.Runner
	hub      *wsHub
	router   *mux.Router
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. pipe may be nil, in which case submissions
// and live streams are unavailable.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      newWSHub(log),
		log:      log,
	}
	if pipe != nil {
		s.runner = pipe.Runner()
	}
	s.router = mux.NewRouter()
	s.setupRoutes(s.router)
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startStreams(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// startStreams runs the websocket hub and feeds it runner events.
func (s *Server) startStreams(ctx context.Context) {
	go s.hub.run(ctx)
	if s.runner == nil {
		return
	}
	events, unsub := s.runner.Subscribe()
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(e)
				if err != nil {
					continue
				}
				s.hub.send(payload)
			}
		}
	}()
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/runs/{id}/candidates", s.handleCandidates).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Serve starts a server on addr and blocks until ctx is done.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recs, err := s.store.RunCandidates(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.CandidateRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Kind      pipeline.JobKind `json:"kind"`
	ImageDir  string           `json:"image_dir"`
	BackupDir string           `json:"backup_dir"`
	WorkDir   string           `json:"work_dir"`
	OutputDir string           `json:"output_dir"`
	PosesPath string           `json:"poses_path"`
	Focal     float64          `json:"focal"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job submission disabled", http.StatusServiceUnavailable)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ImageDir == "" {
		http.Error(w, "image_dir is required", http.StatusBadRequest)
		return
	}
	if req.Kind == pipeline.JobStacked && req.PosesPath == "" {
		http.Error(w, "poses_path is required for stacked jobs", http.StatusBadRequest)
		return
	}

	id, err := s.pipeline.Submit(pipeline.Job{
		Kind:      req.Kind,
		ImageDir:  req.ImageDir,
		BackupDir: req.BackupDir,
		WorkDir:   req.WorkDir,
		OutputDir: req.OutputDir,
		PosesPath: req.PosesPath,
		Focal:     req.Focal,
	})
	if errors.Is(err, pipeline.ErrQueueFull) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, "no runner attached", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(e)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
