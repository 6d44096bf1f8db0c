// Package server exposes the submission and status HTTP API. Handlers never
// mutate job records directly except through the store's compare-and-swap,
// so they can race workers and the sweeper safely.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"audiobrief/internal/arbiter"
	"audiobrief/internal/artifact"
	"audiobrief/internal/config"
	"audiobrief/internal/job"
	"audiobrief/internal/pipeline"
	"audiobrief/internal/queue"
	"audiobrief/internal/store"
)

// Uploads above this are rejected before any parsing work happens.
const maxUploadBytes = 500 << 20

// Server routes API requests to the job store, dispatch queue, and artifact
// storage.
type Server struct {
	store     store.Store
	artifacts artifact.Store
	queue     queue.Queue
	arbiter   *arbiter.Arbiter
	cfg       config.Config
	logger    *slog.Logger
	router    *mux.Router

	now   func() time.Time
	newID func() string
}

// New builds the API server with all routes registered.
func New(st store.Store, artifacts artifact.Store, q queue.Queue, arb *arbiter.Arbiter,
	cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:     st,
		artifacts: artifacts,
		queue:     q,
		arbiter:   arb,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)
	r.HandleFunc("/api/jobs", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/api/jobs/{id}/artifacts/{name}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path,
			"duration", time.Since(start).String())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleSubmit accepts a multipart upload, freezes the job parameters,
// persists the input object, and dispatches the job onto its lane.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	params, jobType, badReq := s.parseParams(r)
	if badReq != "" {
		s.writeError(w, http.StatusBadRequest, badReq)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	id := s.newID()
	params.OriginalFilename = header.Filename
	if params.Title == "" {
		params.Title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}

	object, err := s.storeUpload(r, id, header.Filename, file)
	if err != nil {
		s.logger.Error("failed to store upload", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	params.InputObject = object

	now := s.now()
	j := &job.Job{
		ID:        id,
		Type:      jobType,
		Status:    job.StatusPending,
		Params:    params,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.Pipeline.JobExpiry),
	}
	j.SetProgress("Queued", 0)

	if err := s.store.Create(r.Context(), j); err != nil {
		s.logger.Error("failed to create job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	lane := laneFor(jobType)
	if err := s.queue.Enqueue(r.Context(), lane, queue.Message{Kind: queue.KindStart, JobID: id}); err != nil {
		s.logger.Error("failed to dispatch job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to dispatch job")
		return
	}

	s.logger.Info("job submitted", "job_id", id, "job_type", jobType, "lane", lane,
		"filename", header.Filename)
	s.writeJSON(w, http.StatusAccepted, pipeline.Project(j, now))
}

// parseParams binds and validates the submission form fields. Models fall
// back to the configured defaults so the frozen record is self-contained.
func (s *Server) parseParams(r *http.Request) (job.Params, job.Type, string) {
	var p job.Params

	jobType := job.Type(r.FormValue("job_type"))
	if jobType == "" {
		jobType = job.TypeAudioPipeline
	}
	if jobType != job.TypeAudioPipeline && jobType != job.TypeTranscriptPipeline {
		return p, "", fmt.Sprintf("unknown job_type %q", jobType)
	}

	p.Title = strings.TrimSpace(r.FormValue("title"))
	p.Language = strings.TrimSpace(r.FormValue("language"))

	p.WhisperModel = strings.TrimSpace(r.FormValue("whisper_model"))
	if p.WhisperModel == "" {
		p.WhisperModel = s.cfg.DefaultWhisper
	}
	p.SummarizerModel = strings.TrimSpace(r.FormValue("summarizer_model"))
	if p.SummarizerModel == "" {
		p.SummarizerModel = s.cfg.DefaultSummary
	}

	p.OutputFormat = strings.ToLower(strings.TrimSpace(r.FormValue("output_format")))
	if p.OutputFormat == "" {
		p.OutputFormat = "pdf"
	}
	if p.OutputFormat != "pdf" && p.OutputFormat != "html" {
		return p, "", fmt.Sprintf("unsupported output_format %q", p.OutputFormat)
	}

	p.EnableDiarization = r.FormValue("enable_diarization") == "true"
	if p.EnableDiarization && jobType != job.TypeAudioPipeline {
		return p, "", "diarization requires an audio job"
	}
	for field, dst := range map[string]*int{"min_speakers": &p.MinSpeakers, "max_speakers": &p.MaxSpeakers} {
		raw := r.FormValue(field)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return p, "", fmt.Sprintf("invalid %s %q", field, raw)
		}
		*dst = n
	}
	if p.MinSpeakers > 0 && p.MaxSpeakers > 0 && p.MinSpeakers > p.MaxSpeakers {
		return p, "", "min_speakers exceeds max_speakers"
	}

	return p, jobType, ""
}

// storeUpload spools the upload to disk, then moves it into object storage
// under the uploads prefix.
func (s *Server) storeUpload(r *http.Request, id, filename string, file io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.cfg.TempDir, "upload-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	art, err := s.artifacts.Put(r.Context(), "uploads/"+id, filepath.Base(filename), tmp.Name())
	if err != nil {
		return "", err
	}
	s.logger.Debug("upload stored", "job_id", id, "bytes", art.Size, "sha256", art.SHA256)
	return "uploads/" + id + "/" + filepath.Base(filename), nil
}

// laneFor routes accelerator-bound work onto the serialized gpu lane.
func laneFor(t job.Type) queue.Lane {
	if t == job.TypeAudioPipeline {
		return queue.LaneGPU
	}
	return queue.LaneStandard
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	j, err := s.store.Load(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, pipeline.Project(j, s.now()))
}

// handleCancel flags the record and, for still-pending jobs, dispatches a
// cancel message so a worker resolves it without waiting for redelivery.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	for {
		j, err := s.store.Load(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			s.logger.Error("failed to load job", "job_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load job")
			return
		}
		if j.Status.IsTerminal() {
			s.writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", j.Status))
			return
		}

		updated, err := s.store.Update(r.Context(), id, j.Status, func(j *job.Job) error {
			j.CancelRequested = true
			return nil
		})
		if errors.Is(err, store.ErrConflict) {
			// Status moved under us; reload and re-evaluate.
			continue
		}
		if err != nil {
			s.logger.Error("failed to flag cancel", "job_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}

		if updated.Status == job.StatusPending {
			lane := laneFor(updated.Type)
			if err := s.queue.Enqueue(r.Context(), lane, queue.Message{Kind: queue.KindCancel, JobID: id}); err != nil {
				s.logger.Warn("failed to dispatch cancel", "job_id", id, "error", err)
			}
		}

		s.logger.Info("cancel requested", "job_id", id, "status", updated.Status)
		s.writeJSON(w, http.StatusAccepted, pipeline.Project(updated, s.now()))
		return
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, name := vars["id"], vars["name"]

	j, err := s.store.Load(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if !j.Downloadable(s.now()) {
		s.writeError(w, http.StatusConflict, "job has no downloadable artifacts")
		return
	}
	var meta *job.Artifact
	for i := range j.Artifacts {
		if j.Artifacts[i].Name == name {
			meta = &j.Artifacts[i]
			break
		}
	}
	if meta == nil {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	rc, err := s.artifacts.Open(r.Context(), id, name)
	if errors.Is(err, artifact.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to open artifact", "job_id", id, "name", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to open artifact")
		return
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Checksum-SHA256", meta.SHA256)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("artifact download aborted", "job_id", id, "name", name, "error", err)
	}
}

// handleHealth reports queue depths, the current accelerator lease holder,
// and job counts per status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type health struct {
		Status  string             `json:"status"`
		Queues  map[string]int64   `json:"queues"`
		GPUHold string             `json:"gpu_lease_holder,omitempty"`
		Jobs    map[job.Status]int `json:"jobs"`
	}

	h := health{Status: "ok", Queues: map[string]int64{}}
	for _, lane := range []queue.Lane{queue.LaneGPU, queue.LaneStandard} {
		depth, err := s.queue.Len(r.Context(), lane)
		if err != nil {
			s.logger.Warn("failed to read queue depth", "lane", lane, "error", err)
			h.Status = "degraded"
			continue
		}
		h.Queues[string(lane)] = depth
	}

	if holder, err := s.arbiter.Holder(r.Context()); err == nil {
		h.GPUHold = holder
	} else {
		s.logger.Warn("failed to read lease holder", "error", err)
		h.Status = "degraded"
	}

	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.logger.Warn("failed to count jobs", "error", err)
		h.Status = "degraded"
	}
	h.Jobs = counts

	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, h)
}
