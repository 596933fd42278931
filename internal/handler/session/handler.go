package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dndsync/dndsync/internal/dice"
	"github.com/dndsync/dndsync/internal/model/session"
	sessionservice "github.com/dndsync/dndsync/internal/service/session"
	"github.com/dndsync/dndsync/internal/store"
	"github.com/dndsync/dndsync/pkg/utils"
)

// idempotencyHeader carries the client's dedup token on REST mutations.
const idempotencyHeader = "X-Idempotency-Key"

// Handler exposes the session API over REST.
type Handler struct {
	svc *sessionservice.Service
}

// New creates the session handler.
func New(svc *sessionservice.Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes wires session routes onto the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/", h.handleList)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Put("/", h.handleUpdate)
			r.Delete("/", h.handleDelete)
			r.Post("/characters", h.handleAddToken(session.KindCharacter))
			r.Put("/characters/{tokenID}", h.handleUpdateToken(session.KindCharacter))
			r.Delete("/characters/{tokenID}", h.handleRemoveToken(session.KindCharacter))
			r.Post("/monsters", h.handleAddToken(session.KindMonster))
			r.Put("/monsters/{tokenID}", h.handleUpdateToken(session.KindMonster))
			r.Delete("/monsters/{tokenID}", h.handleRemoveToken(session.KindMonster))
			r.Post("/tokens/{kind}/{tokenID}/move", h.handleMoveToken)
			r.Put("/maps", h.handleSetMaps)
			r.Put("/maps/{mapID}", h.handleUpdateMap)
			r.Post("/dice-logs", h.handleAppendDiceLog)
			r.Post("/rolls", h.handleRoll)
			r.Put("/settings", h.handleUpdateSettings)
		})
	})

	// Legacy route: addresses a character without its session id.
	r.Put("/characters/{tokenID}", h.handleLegacyUpdateCharacter)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := h.svc.CreateSession(r.Context(), payload.Name)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.ListSessions(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	role := session.Role(r.URL.Query().Get("role"))
	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "sessionID"), role)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch session.SessionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.UpdateSession(r.Context(), sessionservice.UpdateSessionRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		Patch:          patch,
		ClientRevision: clientRevision(r),
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result.Session)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddToken(kind session.TokenKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var token session.Token
		if err := json.NewDecoder(r.Body).Decode(&token); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := h.svc.AddToken(r.Context(), sessionservice.AddTokenRequest{
			SessionID:      chi.URLParam(r, "sessionID"),
			Kind:           kind,
			Token:          token,
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			respondServiceError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusCreated, result.Token)
	}
}

func (h *Handler) handleUpdateToken(kind session.TokenKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch session.TokenPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		result, err := h.svc.UpdateToken(r.Context(), sessionservice.UpdateTokenRequest{
			SessionID:      chi.URLParam(r, "sessionID"),
			Kind:           kind,
			TokenID:        chi.URLParam(r, "tokenID"),
			Patch:          patch,
			ClientRevision: clientRevision(r),
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			respondServiceError(w, err)
			return
		}
		utils.RespondJSON(w, http.StatusOK, result)
	}
}

func (h *Handler) handleRemoveToken(kind session.TokenKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := h.svc.RemoveToken(r.Context(), sessionservice.RemoveTokenRequest{
			SessionID:      chi.URLParam(r, "sessionID"),
			Kind:           kind,
			TokenID:        chi.URLParam(r, "tokenID"),
			IdempotencyKey: r.Header.Get(idempotencyHeader),
		})
		if err != nil {
			respondServiceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleMoveToken(w http.ResponseWriter, r *http.Request) {
	kind := session.TokenKind(chi.URLParam(r, "kind"))
	var payload struct {
		X              int   `json:"x"`
		Y              int   `json:"y"`
		ClientRevision int64 `json:"clientRevision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.MoveToken(r.Context(), sessionservice.MoveTokenRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		Kind:           kind,
		TokenID:        chi.URLParam(r, "tokenID"),
		X:              payload.X,
		Y:              payload.Y,
		ClientRevision: payload.ClientRevision,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSetMaps(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Maps []session.Map `json:"maps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.SetMaps(r.Context(), sessionservice.SetMapsRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		Maps:           payload.Maps,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result.Session.Maps)
}

func (h *Handler) handleUpdateMap(w http.ResponseWriter, r *http.Request) {
	var patch session.MapPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.UpdateMap(r.Context(), sessionservice.UpdateMapRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		MapID:          chi.URLParam(r, "mapID"),
		Patch:          patch,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result.Session.Maps)
}

func (h *Handler) handleAppendDiceLog(w http.ResponseWriter, r *http.Request) {
	var entry session.DiceLog
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.AppendDiceLog(r.Context(), sessionservice.AppendDiceLogRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		Entry:          entry,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result.Session.DiceLogs[0])
}

func (h *Handler) handleRoll(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Player   string `json:"player"`
		Notation string `json:"notation"`
		Seed     int64  `json:"seed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.RollDice(r.Context(), sessionservice.RollDiceRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		Player:         payload.Player,
		Notation:       payload.Notation,
		Seed:           payload.Seed,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, result.Session.DiceLogs[0])
}

func (h *Handler) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch session.SettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.UpdateSettings(r.Context(), sessionservice.UpdateSettingsRequest{
		SessionID:      chi.URLParam(r, "sessionID"),
		Patch:          patch,
		ClientRevision: clientRevision(r),
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result.Session.Settings)
}

// handleLegacyUpdateCharacter resolves the session holding the
// character, then applies the patch as a field-scoped update.
func (h *Handler) handleLegacyUpdateCharacter(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "tokenID")
	var patch session.TokenPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sessionID, err := h.svc.FindTokenSession(r.Context(), session.KindCharacter, tokenID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	result, err := h.svc.UpdateToken(r.Context(), sessionservice.UpdateTokenRequest{
		SessionID:      sessionID,
		Kind:           session.KindCharacter,
		TokenID:        tokenID,
		Patch:          patch,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result.Token)
}

// clientRevision reads the optional revision the client believes it is
// updating; zero means it did not say.
func clientRevision(r *http.Request) int64 {
	v := r.URL.Query().Get("clientRevision")
	if v == "" {
		return 0
	}
	rev, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return rev
}

// respondServiceError maps service errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound),
		errors.Is(err, sessionservice.ErrTokenNotFound),
		errors.Is(err, sessionservice.ErrMapNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessionservice.ErrNameRequired),
		errors.Is(err, sessionservice.ErrInvalidKind),
		errors.Is(err, dice.ErrInvalidNotation),
		errors.Is(err, dice.ErrInvalidSpec),
		errors.Is(err, dice.ErrMissingDice):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrLockTimeout),
		errors.Is(err, store.ErrStorageUnavailable):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}
