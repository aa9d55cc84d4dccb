package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jo-hoe/pdfscribe/internal/jobs"
)

type promptIn struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description"`
}

const maxPromptBody = 1 << 20

func decodePrompt(w http.ResponseWriter, r *http.Request) (*jobs.Prompt, bool) {
	var in promptIn
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPromptBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return &jobs.Prompt{Name: in.Name, Content: in.Content, Description: in.Description}, true
}

func (svc *Service) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := svc.Store.ListPrompts(r.Context())
	if err != nil {
		svc.storeError(w, "list prompts", err)
		return
	}
	writeJSON(w, http.StatusOK, prompts)
}

func (svc *Service) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	p, ok := decodePrompt(w, r)
	if !ok {
		return
	}
	if err := svc.Store.CreatePrompt(r.Context(), p); err != nil {
		svc.promptError(w, "create prompt", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (svc *Service) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid prompt id", http.StatusBadRequest)
		return
	}
	p, ok := decodePrompt(w, r)
	if !ok {
		return
	}
	p.ID = id
	if err := svc.Store.UpdatePrompt(r.Context(), p); err != nil {
		svc.promptError(w, "update prompt", err)
		return
	}
	updated, err := svc.Store.GetPrompt(r.Context(), id)
	if err != nil {
		svc.storeError(w, "get prompt", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (svc *Service) promptError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, jobs.ErrInvalidPrompt) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	svc.storeError(w, op, err)
}
