package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"kiln/internal/api"
	"kiln/internal/config"
	"kiln/internal/logging"
	"kiln/internal/observability"
	"kiln/internal/queue"
	"kiln/internal/services"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   cfg.Paths.APIBind,
		token:  cfg.Paths.APIToken,
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.Handle("GET /metrics", observability.Handler())
	mux.HandleFunc("GET /api/status", srv.auth(srv.handleStatus))
	mux.HandleFunc("POST /api/jobs", srv.auth(srv.handleSubmit))
	mux.HandleFunc("GET /api/jobs", srv.auth(srv.handleList))
	mux.HandleFunc("GET /api/jobs/{id}", srv.auth(srv.handleGet))
	mux.HandleFunc("POST /api/jobs/{id}/cancel", srv.auth(srv.handleCancel))
	mux.HandleFunc("GET /api/presets/{id}", srv.auth(srv.handlePresetCheck))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ModelPath = strings.TrimSpace(req.ModelPath)
	req.PresetID = strings.TrimSpace(req.PresetID)
	req.TargetFormat = strings.ToLower(strings.TrimSpace(req.TargetFormat))

	switch {
	case req.ModelPath == "":
		s.writeError(w, http.StatusBadRequest, "model_path is required")
		return
	case req.PresetID == "":
		s.writeError(w, http.StatusBadRequest, "preset_id is required")
		return
	case !s.daemon.cfg.SupportsFormat(req.TargetFormat):
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("target_format %q not supported (supported: %s)",
				req.TargetFormat, strings.Join(s.daemon.cfg.Packer.Formats, ", ")))
		return
	}
	if info, err := os.Stat(req.ModelPath); err != nil || info.IsDir() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("model file %q not readable", req.ModelPath))
		return
	}

	job, err := s.daemon.store.NewJob(r.Context(), req.ModelPath, req.PresetID, req.TargetFormat)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.InfoContext(r.Context(), "job submitted",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String("preset_id", job.PresetID),
		logging.String("target_format", job.TargetFormat))
	s.writeJSON(w, http.StatusCreated, api.JobResponse{Job: api.FromJob(job)})
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.daemon.store.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]api.JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, api.FromJob(job))
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: views})
}

func (s *apiServer) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: api.FromJob(job)})
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if err := s.daemon.pipeline.Cancel(r.Context(), job.ID); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	refreshed, err := s.daemon.store.GetByID(r.Context(), job.ID)
	if err != nil || refreshed == nil {
		s.writeError(w, http.StatusInternalServerError, "job vanished during cancel")
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobResponse{Job: api.FromJob(refreshed)})
}

func (s *apiServer) handlePresetCheck(w http.ResponseWriter, r *http.Request) {
	presetID := r.PathValue("id")
	response := api.PresetCheckResponse{PresetID: presetID}
	path, err := s.daemon.presets.Resolve(r.Context(), presetID)
	if err != nil {
		response.Error = services.ErrorDetails(err).Message
		status := http.StatusBadGateway
		if services.KindOf(err) == services.KindPresetNotFound {
			status = http.StatusNotFound
		}
		s.writeJSON(w, status, response)
		return
	}
	response.Resolved = true
	response.Path = path
	s.writeJSON(w, http.StatusOK, response)
}

func (s *apiServer) lookupJob(w http.ResponseWriter, r *http.Request) (*queue.Job, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return nil, false
	}
	found, err := s.daemon.store.GetByID(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if found == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	return found, true
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("encode api response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
