package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sells-group/card-appraiser/internal/model"
)

func newID() string { return uuid.New().String() }

type createCardRequest struct {
	CardID            string          `json:"card_id,omitempty"`
	Name              string          `json:"name,omitempty" validate:"max=200"`
	Set               string          `json:"set,omitempty" validate:"max=200"`
	Number            string          `json:"number,omitempty" validate:"max=50"`
	Rarity            string          `json:"rarity,omitempty" validate:"max=100"`
	ConditionEstimate string          `json:"condition_estimate,omitempty" validate:"max=100"`
	Images            model.ImageRefs `json:"images" validate:"required"`
}

type appraisalRequest struct {
	RequestID    string `json:"request_id,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
	CardName     string `json:"card_name,omitempty"`
	SetName      string `json:"set_name,omitempty"`
	Number       string `json:"number,omitempty"`
	Rarity       string `json:"rarity,omitempty"`
}

type appraisalResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
	RunID     string `json:"run_id"`
	CardID    string `json:"card_id"`
}

// decodeBody decodes a JSON body into v. An empty body is allowed when
// optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid request body: " + err.Error())
	}
	return nil
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req createCardRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if err := model.Validate(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.CardID == "" {
		req.CardID = s.newID()
	}

	user := userFrom(r.Context())
	card := &model.Card{
		CardID:            req.CardID,
		OwnerID:           user,
		Name:              req.Name,
		Set:               req.Set,
		Number:            req.Number,
		Rarity:            req.Rarity,
		ConditionEstimate: req.ConditionEstimate,
		Images:            req.Images,
	}
	if err := s.cards.CreateCard(r.Context(), user, card); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	user := userFrom(r.Context())
	page, err := s.cards.ListCards(r.Context(), user, user, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	card, err := s.cards.GetCard(r.Context(), user, user, chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var patch model.CardPatch
	if err := decodeBody(r, &patch, false); err != nil {
		writeError(w, r, err)
		return
	}
	// Workflow-owned fields are written only by appraisals.
	if patch.HasResults() || patch.IdentificationConfidence != nil {
		writeError(w, r, badRequest("appraisal results cannot be patched"))
		return
	}
	if patch.IsEmpty() {
		writeError(w, r, badRequest("patch is empty"))
		return
	}
	user := userFrom(r.Context())
	card, err := s.cards.UpdateCard(r.Context(), user, user, chi.URLParam(r, "cardID"), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	mode := model.DeleteSoft
	switch r.URL.Query().Get("mode") {
	case "", string(model.DeleteSoft):
	case string(model.DeleteHard):
		mode = model.DeleteHard
	default:
		writeError(w, r, badRequest("mode must be soft or hard"))
		return
	}
	user := userFrom(r.Context())
	if err := s.cards.DeleteCard(r.Context(), user, user, chi.URLParam(r, "cardID"), mode); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAppraise starts an appraisal of a stored card and returns at once.
func (s *Server) handleAppraise(w http.ResponseWriter, r *http.Request) {
	var req appraisalRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeError(w, r, err)
		return
	}

	user := userFrom(r.Context())
	card, err := s.cards.GetCard(r.Context(), user, user, chi.URLParam(r, "cardID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.RequestID == "" {
		req.RequestID = s.newID()
	}

	in := model.WorkflowInput{
		UserID:       user,
		CardID:       card.CardID,
		S3Keys:       card.Images,
		RequestID:    req.RequestID,
		ForceRefresh: req.ForceRefresh,
		CardName:     req.CardName,
		SetName:      req.SetName,
		Number:       req.Number,
		Rarity:       req.Rarity,
	}
	runID, err := s.runner.Start(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, appraisalResponse{
		Status:    "accepted",
		RequestID: in.RequestID,
		RunID:     runID,
		CardID:    card.CardID,
	})
}
