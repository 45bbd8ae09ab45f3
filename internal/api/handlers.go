package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/knowledge"
	"github.com/parleyhq/parley/internal/pipeline"
)

const defaultTurnLimit = 100

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createConversationRequest struct {
	UserRef            string `json:"user_ref"`
	PersonaID          string `json:"persona_id"`
	MergeWindowSeconds int    `json:"merge_window_seconds,omitempty"`
}

type conversationResponse struct {
	ID                 uuid.UUID `json:"id"`
	UserRef            string    `json:"user_ref"`
	PersonaID          uuid.UUID `json:"persona_id"`
	MergeWindowSeconds int       `json:"merge_window_seconds"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	CreatedAt          time.Time `json:"created_at"`
}

func toConversationResponse(c *conversation.Conversation) conversationResponse {
	return conversationResponse{
		ID:                 c.ID,
		UserRef:            c.UserRef,
		PersonaID:          c.PersonaID,
		MergeWindowSeconds: int(c.MergeWindow / time.Second),
		LastActivityAt:     c.LastActivityAt,
		CreatedAt:          c.CreatedAt,
	}
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserRef) == "" {
		respondError(w, http.StatusBadRequest, "user_ref is required")
		return
	}

	var personaID uuid.UUID
	if req.PersonaID != "" {
		var err error
		personaID, err = uuid.Parse(req.PersonaID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid persona_id")
			return
		}
	}

	window := s.defaultWindow
	if req.MergeWindowSeconds > 0 {
		window = time.Duration(req.MergeWindowSeconds) * time.Second
	}

	conv, err := s.conversations.Create(r.Context(), req.UserRef, personaID, window)
	if err != nil {
		s.logger.Error("create conversation", "error", err)
		respondError(w, http.StatusInternalServerError, "create conversation failed")
		return
	}
	respondJSON(w, http.StatusCreated, toConversationResponse(conv))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	conv, err := s.conversations.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "load conversation")
		return
	}
	respondJSON(w, http.StatusOK, toConversationResponse(conv))
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.conversations.SoftDelete(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "delete conversation")
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type turnResponse struct {
	ID         uuid.UUID      `json:"id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Processed  bool           `json:"processed"`
	MergeGroup *uuid.UUID     `json:"merge_group,omitempty"`
	Ordinal    int            `json:"ordinal"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	limit := int32(defaultTurnLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = int32(parsed)
	}

	turns, err := s.conversations.Turns(r.Context(), id, limit)
	if err != nil {
		s.respondStoreError(w, err, "list turns")
		return
	}

	out := make([]turnResponse, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnResponse{
			ID:         t.ID,
			Role:       string(t.Role),
			Content:    t.Content,
			Processed:  t.Processed,
			MergeGroup: t.MergeGroup,
			Ordinal:    t.Ordinal,
			Metadata:   t.Metadata,
			CreatedAt:  t.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"turns": out})
}

type postMessageRequest struct {
	Content string `json:"content"`
	Force   bool   `json:"force,omitempty"`
}

type postMessageResponse struct {
	Status            string     `json:"status"`
	RetryAfterSeconds float64    `json:"retry_after_seconds,omitempty"`
	MergeGroup        *uuid.UUID `json:"merge_group,omitempty"`
	Units             []string   `json:"units,omitempty"`
	Forced            bool       `json:"forced,omitempty"`
	Degraded          bool       `json:"degraded,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := s.messages.Handle(r.Context(), id, req.Content, req.Force)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrEmptyMessage):
			respondError(w, http.StatusBadRequest, "content is required")
		case errors.Is(err, conversation.ErrConversationNotFound):
			respondError(w, http.StatusNotFound, "conversation not found")
		case errors.Is(err, pipeline.ErrNoPersonaBound), errors.Is(err, pipeline.ErrNoBasePrompt):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("handle message", "conversation_id", id, "error", err)
			respondError(w, http.StatusBadGateway, "message processing failed")
		}
		return
	}

	if outcome.Status == pipeline.StatusDeferred {
		w.Header().Set("Retry-After", strconv.Itoa(int(outcome.RetryAfter.Seconds()+0.5)))
		respondJSON(w, http.StatusAccepted, postMessageResponse{
			Status:            string(outcome.Status),
			RetryAfterSeconds: outcome.RetryAfter.Seconds(),
		})
		return
	}

	respondJSON(w, http.StatusOK, postMessageResponse{
		Status:     string(outcome.Status),
		MergeGroup: &outcome.MergeGroup,
		Units:      outcome.Units,
		Forced:     outcome.Forced,
		Degraded:   outcome.Degraded,
	})
}

type unitRequest struct {
	ID          string `json:"id,omitempty"`
	Kind        string `json:"kind"`
	Name        string `json:"name,omitempty"`
	Profile     string `json:"profile,omitempty"`
	Surface     string `json:"surface,omitempty"`
	FullForm    string `json:"full_form,omitempty"`
	Description string `json:"description,omitempty"`
	Scenario    string `json:"scenario,omitempty"`
	Question    string `json:"question,omitempty"`
	Answer      string `json:"answer,omitempty"`
}

type unitResponse struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name,omitempty"`
	Profile     string    `json:"profile,omitempty"`
	Surface     string    `json:"surface,omitempty"`
	FullForm    string    `json:"full_form,omitempty"`
	Description string    `json:"description,omitempty"`
	Scenario    string    `json:"scenario,omitempty"`
	Question    string    `json:"question,omitempty"`
	Answer      string    `json:"answer,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toUnitResponse(u *knowledge.Unit) unitResponse {
	return unitResponse{
		ID:          u.ID,
		Kind:        string(u.Kind),
		Name:        u.Name,
		Profile:     u.Profile,
		Surface:     u.Surface,
		FullForm:    u.FullForm,
		Description: u.Description,
		Scenario:    u.Scenario,
		Question:    u.Question,
		Answer:      u.Answer,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func validUnitKind(kind knowledge.Kind) bool {
	switch kind {
	case knowledge.KindPersona, knowledge.KindAbbreviation, knowledge.KindScript:
		return true
	}
	return false
}

func (s *Server) handleSaveUnit(w http.ResponseWriter, r *http.Request) {
	s.saveUnit(w, r, uuid.Nil, http.StatusCreated)
}

// handleUpdateUnit upserts a unit under an explicit id taken from the path.
func (s *Server) handleUpdateUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	s.saveUnit(w, r, id, http.StatusOK)
}

func (s *Server) saveUnit(w http.ResponseWriter, r *http.Request, id uuid.UUID, okStatus int) {
	var req unitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kind := knowledge.Kind(req.Kind)
	if !validUnitKind(kind) {
		respondError(w, http.StatusBadRequest, "kind must be persona, abbreviation, or script")
		return
	}

	unit := &knowledge.Unit{
		ID:          id,
		Kind:        kind,
		Name:        req.Name,
		Profile:     req.Profile,
		Surface:     req.Surface,
		FullForm:    req.FullForm,
		Description: req.Description,
		Scenario:    req.Scenario,
		Question:    req.Question,
		Answer:      req.Answer,
	}
	if id == uuid.Nil && req.ID != "" {
		parsed, err := uuid.Parse(req.ID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid id")
			return
		}
		unit.ID = parsed
	}

	if err := s.units.SaveUnit(r.Context(), unit); err != nil {
		s.logger.Error("save unit", "error", err)
		respondError(w, http.StatusInternalServerError, "save unit failed")
		return
	}
	respondJSON(w, okStatus, toUnitResponse(unit))
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	unit, err := s.units.GetUnit(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "load unit")
		return
	}
	respondJSON(w, http.StatusOK, toUnitResponse(unit))
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	kind := knowledge.Kind(r.URL.Query().Get("kind"))
	if !validUnitKind(kind) {
		respondError(w, http.StatusBadRequest, "kind query parameter is required")
		return
	}

	units, err := s.units.ListUnits(r.Context(), kind, 500)
	if err != nil {
		s.respondStoreError(w, err, "list units")
		return
	}

	out := make([]unitResponse, 0, len(units))
	for _, u := range units {
		out = append(out, toUnitResponse(u))
	}
	respondJSON(w, http.StatusOK, map[string]any{"units": out})
}

func (s *Server) handleDeleteUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.units.SoftDeleteUnit(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "delete unit")
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.reconciler.Run(r.Context())
	if err != nil {
		s.logger.Error("reconcile", "error", err)
		respondError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"turn_records_created": report.TurnRecordsCreated,
		"embeddings_filled":    report.EmbeddingsFilled,
		"already_filled":       report.AlreadyFilled,
		"embed_failures":       report.EmbedFailures,
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound):
		respondError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, knowledge.ErrUnitNotFound):
		respondError(w, http.StatusNotFound, "unit not found")
	default:
		s.logger.Error(op, "error", err)
		respondError(w, http.StatusInternalServerError, op+" failed")
	}
}
