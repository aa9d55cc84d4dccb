package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jo-hoe/pdfscribe/internal/common"
	"github.com/jo-hoe/pdfscribe/internal/export"
	"github.com/jo-hoe/pdfscribe/internal/jobs"
	"github.com/jo-hoe/pdfscribe/internal/storage"
)

type uploadResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

type messageResponse struct {
	Message string      `json:"message"`
	Status  jobs.Status `json:"status,omitempty"`
}

type pageOut struct {
	Page int    `json:"page"`
	Text string `json:"text"`
}

func (svc *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Parse multipart
	if err := r.ParseMultipartForm(safeInt64(svc.Cfg.Server.MaxUploadSize)); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid form: "+err.Error(), http.StatusBadRequest)
		return
	}

	fileHeader := r.MultipartForm.File["file"]
	if len(fileHeader) == 0 {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	uploaded := fileHeader[0]

	var promptID *int64
	if raw := strings.TrimSpace(r.FormValue("prompt_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid prompt_id", http.StatusBadRequest)
			return
		}
		promptID = &id
	}

	// Store upload
	pdfPath, cleanup, err := svc.Uploader.SaveMultipartPDF(uploaded, safeInt64(svc.Cfg.Server.MaxUploadSize))
	switch {
	case errors.Is(err, storage.ErrNotPDF):
		http.Error(w, "Only PDF files are supported", http.StatusBadRequest)
		return
	case errors.Is(err, storage.ErrFileTooBig):
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	case err != nil:
		svc.Log.Error("save upload", "err", err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}
	// The worker removes the file once the job is finished; until the job is
	// queued it is ours to clean up.
	defer func() {
		if cleanup != nil {
			_ = cleanup()
		}
	}()

	job, err := svc.Dispatcher.Submit(r.Context(), jobs.Submission{
		OriginalFilename: uploaded.Filename,
		SourcePath:       pdfPath,
		PromptID:         promptID,
	})
	switch {
	case errors.Is(err, jobs.ErrPromptNotFound):
		http.Error(w, "Prompt not found", http.StatusBadRequest)
		return
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed), errors.Is(err, jobs.ErrNotStarted):
		http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
		return
	case err != nil:
		svc.Log.Error("submit job", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// We handed cleanup to the worker. Prevent double-delete here.
	cleanup = nil

	writeJSON(w, http.StatusOK, uploadResponse{JobID: job.ID, Status: job.Status})
}

func (svc *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	all, err := svc.Store.ListJobs(r.Context())
	if err != nil {
		svc.storeError(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (svc *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Store.GetJob(r.Context(), id)
	if err != nil {
		svc.storeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (svc *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	changed, err := svc.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		svc.storeError(w, "cancel job", err)
		return
	}
	if !changed {
		job, err := svc.Store.GetJob(r.Context(), id)
		if err != nil {
			svc.storeError(w, "get job", err)
			return
		}
		msg := "Cancellation already requested"
		if job.Status.Terminal() {
			msg = "Job already finished"
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: msg, Status: job.Status})
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Cancellation requested"})
}

func (svc *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := svc.Dispatcher.Delete(r.Context(), id); err != nil {
		svc.storeError(w, "delete job", err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Job deleted"})
}

func (svc *Service) handleResult(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if _, err := svc.Store.GetJob(r.Context(), id); err != nil {
		svc.storeError(w, "get job", err)
		return
	}
	pages, err := svc.Store.ListPages(r.Context(), id)
	if err != nil {
		svc.storeError(w, "list pages", err)
		return
	}
	out := make([]pageOut, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageOut{Page: p.PageNumber, Text: p.Content})
	}
	writeJSON(w, http.StatusOK, out)
}

func (svc *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	svc.writeExport(w, r, id, r.PathValue("format"))
}

// handleExport serves the query-parameter form used by older clients.
func (svc *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = common.FormatXLSX
	}
	svc.writeExport(w, r, id, format)
}

func (svc *Service) writeExport(w http.ResponseWriter, r *http.Request, id, format string) {
	f, err := svc.Exporter.Export(r.Context(), id, format)
	switch {
	case errors.Is(err, export.ErrUnknownFormat):
		http.Error(w, "Invalid format. Use 'xlsx' or 'csv'", http.StatusBadRequest)
		return
	case errors.Is(err, export.ErrNoPages):
		http.Error(w, "No results found", http.StatusNotFound)
		return
	case err != nil:
		svc.storeError(w, "export", err)
		return
	}
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set(common.HeaderContentDisposition, `attachment; filename="`+f.Name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Data)
}
