package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/config"
	"github.com/jo-hoe/pdfscribe/internal/export"
	"github.com/jo-hoe/pdfscribe/internal/jobs"
	"github.com/jo-hoe/pdfscribe/internal/recognition"
	"github.com/jo-hoe/pdfscribe/internal/storage"
	"github.com/jo-hoe/pdfscribe/internal/util"
)

type Service struct {
	Log        *slog.Logger
	Cfg        *config.Config
	Store      jobs.Store
	Dispatcher *jobs.Dispatcher
	Uploader   *storage.Uploader
	Exporter   *export.Service
	// Engine is optional; when set its state is reported by the health endpoint.
	Engine *recognition.Runtime
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, svc.handleHealth)

	api := func(method, pattern string, h http.HandlerFunc) {
		mux.HandleFunc(method+" "+common.PathAPI+pattern, h)
	}
	api(http.MethodPost, "/upload", svc.withUploadLimit(svc.handleUpload))
	api(http.MethodGet, "/jobs", svc.handleListJobs)
	api(http.MethodGet, "/status/{job_id}", svc.handleStatus)
	api(http.MethodGet, "/status/{job_id}/stream", svc.handleStream)
	api(http.MethodGet, "/status/{job_id}/ws", svc.handleWebSocket)
	api(http.MethodPost, "/jobs/{job_id}/cancel", svc.handleCancel)
	api(http.MethodDelete, "/jobs/{job_id}", svc.handleDelete)
	api(http.MethodGet, "/result/{job_id}", svc.handleResult)
	api(http.MethodGet, "/download/{job_id}/{format}", svc.handleDownload)
	api(http.MethodGet, "/export/{job_id}", svc.handleExport)
	api(http.MethodGet, "/prompts", svc.handleListPrompts)
	api(http.MethodPost, "/prompts", svc.handleCreatePrompt)
	api(http.MethodPut, "/prompts/{id}", svc.handleUpdatePrompt)

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(corsMiddleware(mux, svc.Cfg.Server.CORSOrigins)), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]string{"status": "ok"}
	if svc.Engine != nil {
		st, err := svc.Engine.State()
		out["engine"] = string(st)
		if err != nil {
			out["engine_error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) withUploadLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce max body size
		max := safeInt64(svc.Cfg.Server.MaxUploadSize)
		if max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

// jobID reads and validates the job id path value. It writes a 404 and
// returns false for malformed ids, which can never name a stored job.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := util.ParseID(r.PathValue("job_id"))
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return "", false
	}
	return id, true
}

// storeError maps store errors to responses.
func (svc *Service) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrPromptNotFound):
		http.Error(w, "Prompt not found", http.StatusNotFound)
	default:
		if svc.Log != nil {
			svc.Log.Error(op, "err", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func corsMiddleware(next http.Handler, origins []string) http.Handler {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			reqHeaders := r.Header.Get("Access-Control-Request-Headers")
			if strings.TrimSpace(reqHeaders) == "" {
				reqHeaders = "Content-Type"
			}
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	// Fallback to a discard logger if none provided to avoid nil deref in tests or minimal setups.
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Unwrap lets http.ResponseController reach the underlying writer for streaming.
func (w *writeWrap) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *writeWrap) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *writeWrap) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.code = http.StatusSwitchingProtocols
	return http.NewResponseController(w.ResponseWriter).Hijack()
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
