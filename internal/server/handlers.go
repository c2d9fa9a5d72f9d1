package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/crewbrain/crewbrain/internal/failure"
	"github.com/crewbrain/crewbrain/internal/registry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"breaker": s.pipeline.BreakerStats(),
		"open":    len(s.reg.NonTerminal()),
	})
}

// handleAccept ingests a document body. The filename comes from the
// X-Filename header or the name query parameter.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get("X-Filename")
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Filename header or name parameter"})
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	res, err := s.pipeline.Accept(r.Context(), data, name)
	if err != nil {
		if failure.KindOf(err) == failure.KindValidation {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	type item struct {
		ProcessID string `json:"process_id"`
		State     string `json:"state"`
		Source    string `json:"source_name"`
		Format    string `json:"format"`
	}
	out := []item{}
	for _, info := range s.reg.List() {
		out = append(out, item{
			ProcessID: info.ProcessID,
			State:     string(info.State),
			Source:    info.Document.SourceName,
			Format:    info.Document.Format,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, ok := s.reg.DocumentOf(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown process " + id})
		return
	}
	state, _ := s.reg.StateOf(id)
	hist, err := s.reg.History(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := map[string]any{
		"process_id":   id,
		"state":        string(state),
		"source_name":  doc.SourceName,
		"format":       doc.Format,
		"content_hash": doc.ContentHash,
		"transitions":  hist,
	}
	if doc.RetrievalDocID != "" {
		resp["retrieval_doc_id"] = doc.RetrievalDocID
	}
	if ev, ok := s.hub.Snapshot(id); ok {
		resp["progress"] = ev
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"process_id": id, "state": string(registry.StateCancelled)})
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.RetryDead(id); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"process_id": id})
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	force := r.URL.Query().Get("force") == "true"
	e, err := s.queue.RetryNow(id, force)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleDLQDiscard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.Discard(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"discarded": id})
}
