package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/ocx/khala/internal/apierr"
	"github.com/ocx/khala/internal/eventlog"
)

type createRunRequest struct {
	WorkerID string         `json:"worker_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Authority.ReadOnly() {
		writeError(w, apierr.WritePathFrozen())
		return
	}

	var req createRunRequest
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}

	runID := "run-" + uuid.NewString()
	key := "run:" + runID + ":events"
	frame, aerr := s.log.CreateStream(key, req.WorkerID, "run.started", map[string]any{
		"worker_id": req.WorkerID, "metadata": req.Metadata,
	})
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"run": map[string]any{
			"id":       runID,
			"sequence": frame.Sequence,
			"status":   "running",
		},
	})
}

type appendRunEventRequest struct {
	EventType           string         `json:"event_type"`
	Payload             map[string]any `json:"payload"`
	IdempotencyKey      string         `json:"idempotency_key,omitempty"`
	ExpectedPreviousSeq *int64         `json:"expected_previous_seq,omitempty"`
}

func (s *Server) handleAppendRunEvent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Authority.ReadOnly() {
		writeError(w, apierr.WritePathFrozen())
		return
	}

	runID := mux.Vars(r)["run_id"]
	var req appendRunEventRequest
	if aerr := decodeJSON(r, &req); aerr != nil {
		writeError(w, aerr)
		return
	}

	if eventlog.IsSettlementEventType(req.EventType) {
		writeError(w, apierr.BadRequest("invalid_request", map[string]any{"event_type": req.EventType}))
		return
	}

	key := "run:" + runID + ":events"
	if aerr := s.limiter.CheckPayload(key, req.Payload); aerr != nil {
		writeError(w, aerr)
		return
	}
	if aerr := s.limiter.AllowPublish(key); aerr != nil {
		writeError(w, aerr)
		return
	}

	frame, aerr := s.log.Append(key, req.EventType, req.Payload, eventlog.AppendOptions{
		IdempotencyKey:      req.IdempotencyKey,
		ExpectedPreviousSeq: req.ExpectedPreviousSeq,
	})
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	summary, serr := s.proj.RunSummaryFor(key)
	resp := map[string]any{
		"sequence":        frame.Sequence,
		"payload_sha256":  frame.PayloadSHA256,
		"commit_timestamp": frame.CommitTimestamp,
	}
	if serr == nil {
		resp["status"] = summary.Status
		resp["step_count"] = summary.StepCount
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunReceipt(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	key := "run:" + runID + ":events"

	summary, aerr := s.proj.RunSummaryFor(key)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"schema":          "openagents.receipt.v1",
		"run_id":          runID,
		"status":          summary.Status,
		"last_event_type": summary.LastEventType,
		"last_seq":        summary.LastSeq,
		"step_count":      summary.StepCount,
	})
}

func (s *Server) handleRunReplay(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]
	key := "run:" + runID + ":events"

	frames, head, floor, aerr := s.log.Read(key, 0, 0)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	summary, serr := s.proj.RunSummaryFor(key)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	_ = enc.Encode(map[string]any{"section": "metadata", "run_id": runID, "head": head, "retention_floor": floor})
	for _, f := range frames {
		_ = enc.Encode(map[string]any{
			"section": "events", "sequence": f.Sequence, "event_type": f.EventType,
			"payload": f.Payload, "payload_sha256": f.PayloadSHA256,
		})
	}
	if serr == nil {
		_ = enc.Encode(map[string]any{"section": "receipt", "status": summary.Status, "step_count": summary.StepCount})
	}
}
