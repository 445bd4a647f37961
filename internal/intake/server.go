// Copyright 2026 The Forgeline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package intake is the inbound HTTP surface: webhook deliveries and human
// validation responses. Signature verification happens in a fronting
// collaborator; the intake trusts what reaches it and enforces only
// deduplication and shape.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeline/orchestrator/internal/config"
	orclog "github.com/forgeline/orchestrator/internal/log"
	"github.com/forgeline/orchestrator/internal/metrics"
	"github.com/forgeline/orchestrator/internal/reactivate"
	"github.com/forgeline/orchestrator/internal/status"
	"github.com/forgeline/orchestrator/internal/store"
	"github.com/forgeline/orchestrator/internal/validation"
	orcerrors "github.com/forgeline/orchestrator/pkg/errors"
)

// Server is the intake HTTP server.
type Server struct {
	store       *store.Store
	validations *validation.Manager
	reactivator *reactivate.Controller
	cfg         *config.Config
	logger      *slog.Logger
}

// NewServer builds the intake server.
func NewServer(st *store.Store, vm *validation.Manager, rc *reactivate.Controller, cfg *config.Config, logger *slog.Logger) *Server {
	return &Server{
		store:       st,
		validations: vm,
		reactivator: rc,
		cfg:         cfg,
		logger:      orclog.WithComponent(logger, "intake"),
	}
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Post("/webhooks", s.handleWebhook)
	r.Post("/validations/{uuid}/response", s.handleValidationResponse)
	r.Get("/validations/{uuid}", s.handleGetValidation)
	r.Get("/tickets/{externalID}", s.handleGetTicket)
	r.Get("/tickets/{externalID}/history", s.handleTicketHistory)
	r.Get("/tickets/{externalID}/reactivations", s.handleTicketReactivations)
	r.Get("/runs/{runID}", s.handleGetRun)
	r.Get("/queue/{entryID}", s.handleGetQueueEntry)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the server until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("intake listening", orclog.String("addr", s.cfg.ListenAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// webhookRequest is the required envelope of every inbound event.
type webhookRequest struct {
	Source    string          `json:"source"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// webhookPayload is the portion of the opaque payload the intake reads.
type webhookPayload struct {
	ItemID   string `json:"item_id"`
	Title    string `json:"title"`
	Repo     string `json:"repo"`
	Body     string `json:"body"`
	Priority int    `json:"priority"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Source == "" || req.EventID == "" || req.EventType == "" {
		s.writeError(w, http.StatusBadRequest, "source, event_id and event_type are required")
		return
	}
	var payload webhookPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload.ItemID == "" {
		s.writeError(w, http.StatusBadRequest, "payload.item_id is required")
		return
	}

	ctx := r.Context()
	fresh, err := s.store.RecordWebhookEvent(ctx, req.Source, req.EventID, req.EventType, req.Payload, s.cfg.DedupWindow)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if !fresh {
		metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	ticket, err := s.store.GetTicket(ctx, payload.ItemID)
	switch {
	case orcerrors.IsNotFound(err):
		ticket, err = s.store.CreateTicket(ctx, payload.ItemID, payload.Title, payload.Body, payload.Repo)
		if err != nil {
			s.internalError(w, err)
			return
		}
	case err != nil:
		s.internalError(w, err)
		return
	}

	if status.IsTerminal(ticket.Status) {
		action, err := s.reactivator.HandleEvent(ctx, ticket, reactivate.Event{
			EventID:   req.EventID,
			EventType: req.EventType,
			Payload:   req.Payload,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"action": string(action),
		})
		return
	}

	cooling, until, err := s.store.CooldownRemaining(ctx, ticket.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if cooling {
		metrics.WebhooksReceived.WithLabelValues("rejected").Inc()
		s.writeDomainError(w, &orcerrors.TicketCoolingDownError{TicketID: ticket.ExternalID, Until: until})
		return
	}

	if _, err := s.store.EnqueueEntry(ctx, store.EnqueueParams{
		ItemID:   ticket.ExternalID,
		Payload:  req.Payload,
		Priority: payload.Priority,
	}); err != nil {
		s.internalError(w, err)
		return
	}
	metrics.WebhooksReceived.WithLabelValues("accepted").Inc()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// validationResponseRequest is a human decision on a pending validation.
type validationResponseRequest struct {
	Status      string `json:"status"`
	Comments    string `json:"comments"`
	ValidatorID string `json:"validator_id"`
}

func (s *Server) handleValidationResponse(w http.ResponseWriter, r *http.Request) {
	correlationUUID := chi.URLParam(r, "uuid")

	var req validationResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	decision, err := validation.ParseDecision(req.Status)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v, err := s.validations.Respond(r.Context(), correlationUUID, decision, req.Comments, req.ValidatorID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":          "recorded",
		"validation_uuid": v.CorrelationUUID,
		"final_status":    v.Status,
	})
}

func (s *Server) handleGetValidation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := s.store.GetValidationByUUID(ctx, chi.URLParam(r, "uuid"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	chain, err := s.store.RejectionChainLength(ctx, v.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	history, err := s.store.ValidationHistory(ctx, v.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	body := map[string]any{
		"validation":   v,
		"chain_length": chain,
		"history":      history,
	}
	// Settled validations carry the decision that settled them.
	resp, err := s.store.ResponseForValidation(ctx, v.ID)
	switch {
	case err == nil:
		body["response"] = resp
	case !orcerrors.IsNotFound(err):
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	runs, err := s.store.ListRunsForTicket(r.Context(), ticket.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	pending, err := s.store.PendingCountForItem(r.Context(), ticket.ExternalID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ticket":          ticket,
		"runs":            runs,
		"pending_entries": pending,
	})
}

func (s *Server) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	history, err := s.store.TicketHistory(r.Context(), ticket.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

func (s *Server) handleTicketReactivations(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.store.GetTicket(r.Context(), chi.URLParam(r, "externalID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	triggers, err := s.store.ReactivationTriggersForTicket(r.Context(), ticket.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"reactivation_count": ticket.ReactivationCount,
		"triggers":           triggers,
	})
}

// stepDetail pairs a step with its own status history.
type stepDetail struct {
	Step    store.Step         `json:"step"`
	History []store.HistoryRow `json:"history"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := s.store.GetRun(ctx, chi.URLParam(r, "runID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	steps, err := s.store.StepsForRun(ctx, run.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	details := make([]stepDetail, 0, len(steps))
	for _, step := range steps {
		history, err := s.store.StepHistory(ctx, step.ID)
		if err != nil {
			s.internalError(w, err)
			return
		}
		details = append(details, stepDetail{Step: step, History: history})
	}
	history, err := s.store.RunHistory(ctx, run.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":     run,
		"steps":   details,
		"history": history,
	})
}

func (s *Server) handleGetQueueEntry(w http.ResponseWriter, r *http.Request) {
	entryID, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "entry id must be an integer")
		return
	}
	entry, err := s.store.GetQueueEntry(r.Context(), entryID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	history, err := s.store.QueueEntryHistory(r.Context(), entry.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entry":   entry,
		"history": history,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDomainError maps typed domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case orcerrors.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, err.Error())
	case orcerrors.IsConflict(err), orcerrors.IsConcurrentStatusChange(err):
		s.writeError(w, http.StatusConflict, err.Error())
	case orcerrors.IsValidationExpired(err):
		s.writeError(w, http.StatusGone, err.Error())
	case orcerrors.IsTicketCoolingDown(err):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case orcerrors.IsLockRefused(err):
		s.writeError(w, http.StatusConflict, err.Error())
	case orcerrors.IsReactivationDepthExceeded(err):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case orcerrors.IsInvalidTransition(err):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", orclog.Error(err))
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", orclog.Error(err))
	}
}
