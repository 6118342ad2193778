package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fkhayef/questarena/internal/bot"
	"github.com/fkhayef/questarena/internal/database"
	"github.com/fkhayef/questarena/internal/queue"
	"github.com/fkhayef/questarena/internal/team"
	"github.com/fkhayef/questarena/pkg/middleware"
	"github.com/fkhayef/questarena/pkg/response"
)

const defaultAwaitTimeout = 30 * time.Second

// Handler handles HTTP requests for matchmaking operations
type Handler struct {
	service *Service
}

// NewHandler creates a new matchmaking handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the router for matchmaking endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/bot", h.CreateBotMatch)
	r.Post("/bot-squad", h.CreateBotSquadMatch)
	r.Post("/find", h.FindOpponent)

	// Queue entries
	r.Get("/queue/{id}", h.GetQueueStatus)
	r.Get("/queue/{id}/await", h.AwaitQueue)
	r.Delete("/queue/{id}", h.CancelQueue)

	r.Post("/teams/{id}/complete", h.CompleteMatch)
	r.Get("/{matchId}", h.GetMatch)

	return r
}

// CreateBotMatch handles POST /matches/bot
// @Summary      Play a bot 1v1
// @Description  Create and activate a 1v1 match against a bot immediately
// @Tags         matches
// @Accept       json
// @Produce      json
// @Param        request body BotMatchRequest true "Activity to play"
// @Success      201 {object} response.APIResponse{data=MatchResult}
// @Failure      400 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /matches/bot [post]
func (h *Handler) CreateBotMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return
	}

	var req BotMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.service.InstantBot1v1(r.Context(), req.ActivityID, userID)
	if err != nil {
		writeError(w, err, "Failed to create bot match")
		return
	}

	response.JSON(w, http.StatusCreated, result)
}

// CreateBotSquadMatch handles POST /matches/bot-squad
// @Summary      Play a bot squad battle
// @Description  Fill both squads with bots around the requester and activate the match
// @Tags         matches
// @Accept       json
// @Produce      json
// @Param        request body BotSquadRequest true "Activity and squad size"
// @Success      201 {object} response.APIResponse{data=MatchResult}
// @Failure      400 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /matches/bot-squad [post]
func (h *Handler) CreateBotSquadMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return
	}

	var req BotSquadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.service.InstantBotSquad(r.Context(), req.ActivityID, userID, req.SquadSize)
	if err != nil {
		writeError(w, err, "Failed to create bot squad match")
		return
	}

	response.JSON(w, http.StatusCreated, result)
}

// FindOpponent handles POST /matches/find
// @Summary      Find human opponents
// @Description  Queue for a match. Returns matched at once or pending with an entry to watch. Repeating a search reports the waiting entry; a different squad size is a conflict.
// @Tags         matches
// @Accept       json
// @Produce      json
// @Param        request body FindOpponentRequest true "Search parameters"
// @Success      200 {object} response.APIResponse{data=MatchResult}
// @Success      202 {object} response.APIResponse{data=MatchResult}
// @Failure      400 {object} response.APIResponse
// @Failure      409 {object} response.APIResponse
// @Failure      422 {object} response.APIResponse
// @Router       /matches/find [post]
func (h *Handler) FindOpponent(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return
	}

	var req FindOpponentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if req.SquadSize == 0 {
		req.SquadSize = 1
	}
	if req.TimeoutSeconds < 0 {
		response.BadRequest(w, "timeout_seconds cannot be negative")
		return
	}

	// clamp in seconds first so the multiplication cannot overflow
	wait := h.service.opts.MaxWaitTimeout
	if maxSeconds := int64(wait / time.Second); int64(req.TimeoutSeconds) < maxSeconds {
		wait = time.Duration(req.TimeoutSeconds) * time.Second
	}
	result, err := h.service.FindHumanOpponent(r.Context(), req.ActivityID, userID, req.SquadSize, wait)
	if err != nil {
		writeError(w, err, "Failed to find opponent")
		return
	}

	status := http.StatusOK
	if result.Status == ResultPending {
		status = http.StatusAccepted
	}
	response.JSON(w, status, result)
}

// GetQueueStatus handles GET /matches/queue/{id}
// @Summary      Get queue entry status
// @Description  Re-read the authoritative result for a queue entry
// @Tags         matches
// @Produce      json
// @Param        id path int true "Queue entry ID"
// @Success      200 {object} response.APIResponse{data=MatchResult}
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Router       /matches/queue/{id} [get]
func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	h.withEntry(w, r, func(ctx context.Context, id int64, userID string) (*MatchResult, error) {
		return h.service.Status(ctx, id, userID)
	})
}

// AwaitQueue handles GET /matches/queue/{id}/await
// @Summary      Wait for a queue entry to resolve
// @Description  Long-poll until the entry is matched, timed out or cancelled, or the wait ends
// @Tags         matches
// @Produce      json
// @Param        id path int true "Queue entry ID"
// @Param        timeout query int false "Seconds to wait" default(30)
// @Success      200 {object} response.APIResponse{data=MatchResult}
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Router       /matches/queue/{id}/await [get]
func (h *Handler) AwaitQueue(w http.ResponseWriter, r *http.Request) {
	timeout := defaultAwaitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 1 {
			response.BadRequest(w, "Invalid timeout")
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}
	if timeout > h.service.opts.MaxWaitTimeout {
		timeout = h.service.opts.MaxWaitTimeout
	}

	h.withEntry(w, r, func(ctx context.Context, id int64, userID string) (*MatchResult, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return h.service.Await(ctx, id, userID)
	})
}

// CancelQueue handles DELETE /matches/queue/{id}
// @Summary      Leave the queue
// @Description  Cancel a waiting entry. A resolved entry is reported unchanged.
// @Tags         matches
// @Produce      json
// @Param        id path int true "Queue entry ID"
// @Success      200 {object} response.APIResponse{data=MatchResult}
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Router       /matches/queue/{id} [delete]
func (h *Handler) CancelQueue(w http.ResponseWriter, r *http.Request) {
	h.withEntry(w, r, func(ctx context.Context, id int64, userID string) (*MatchResult, error) {
		return h.service.Cancel(ctx, id, userID)
	})
}

// CompleteMatch handles POST /matches/teams/{id}/complete
// @Summary      Complete a match
// @Description  Mark both teams completed and free any bots they hold
// @Tags         matches
// @Produce      json
// @Param        id path int true "Team ID"
// @Success      200 {object} response.APIResponse{data=team.TeamResponse}
// @Failure      403 {object} response.APIResponse
// @Failure      404 {object} response.APIResponse
// @Failure      409 {object} response.APIResponse
// @Router       /matches/teams/{id}/complete [post]
func (h *Handler) CompleteMatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid team ID")
		return
	}

	completed, err := h.service.CompleteMatch(r.Context(), id, userID)
	if err != nil {
		writeError(w, err, "Failed to complete match")
		return
	}

	response.JSON(w, http.StatusOK, completed.ToResponse())
}

// GetMatch handles GET /matches/{matchId}
// @Summary      Get match
// @Description  Get a match with both of its teams
// @Tags         matches
// @Produce      json
// @Param        matchId path string true "Match ID"
// @Success      200 {object} response.APIResponse{data=MatchResponse}
// @Failure      404 {object} response.APIResponse
// @Router       /matches/{matchId} [get]
func (h *Handler) GetMatch(w http.ResponseWriter, r *http.Request) {
	match, teams, err := h.service.GetMatch(r.Context(), chi.URLParam(r, "matchId"))
	if err != nil {
		writeError(w, err, "Failed to get match")
		return
	}

	resp := &MatchResponse{
		ID:         match.ID,
		ActivityID: match.ActivityID,
		Mode:       match.Mode,
		Teams:      make([]*team.TeamResponse, len(teams)),
	}
	for i, t := range teams {
		resp.Teams[i] = t.ToResponse()
	}
	response.JSON(w, http.StatusOK, resp)
}

func (h *Handler) withEntry(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64, userID string) (*MatchResult, error)) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		response.Unauthorized(w, "Authentication required")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid queue entry ID")
		return
	}

	result, err := fn(r.Context(), id, userID)
	if err != nil {
		writeError(w, err, "Failed to read queue entry")
		return
	}

	response.JSON(w, http.StatusOK, result)
}

// writeError maps domain errors to responses; fallback is used for unexpected failures
func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, queue.ErrInvalidEntry), errors.Is(err, team.ErrInvalidTeam):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrInvalidSquadSize),
		errors.Is(err, bot.ErrInsufficientRoster),
		errors.Is(err, team.ErrRosterOverflow):
		response.UnprocessableEntity(w, err.Error())
	case errors.Is(err, ErrNotOwner):
		response.Forbidden(w, err.Error())
	case errors.Is(err, queue.ErrEntryNotFound), errors.Is(err, team.ErrTeamNotFound), errors.Is(err, team.ErrMatchNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, queue.ErrAlreadyQueued), errors.Is(err, ErrSquadSizeMismatch), errors.Is(err, team.ErrDuplicateMember), errors.Is(err, team.ErrTeamNotActive):
		response.Conflict(w, err.Error())
	case errors.Is(err, database.ErrStoreUnavailable):
		response.ServiceUnavailable(w, "Record store unavailable, try again")
	case errors.Is(err, ErrMatchCreationFailed):
		response.InternalError(w, ErrMatchCreationFailed.Error())
	default:
		response.InternalError(w, fallback)
	}
}
