package bot

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fkhayef/questarena/pkg/response"
)

// Handler handles HTTP requests for roster administration
type Handler struct {
	provider *Provider
}

// NewHandler creates a new bot handler
func NewHandler(provider *Provider) *Handler {
	return &Handler{provider: provider}
}

// Routes returns the router for bot endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)

	return r
}

// List handles GET /bots
// @Summary      List bots
// @Description  List the synthetic participant roster with current reservations
// @Tags         bots
// @Produce      json
// @Success      200 {object} response.APIResponse{data=[]Bot}
// @Router       /bots [get]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	bots, err := h.provider.List(r.Context())
	if err != nil {
		response.InternalError(w, "Failed to list bots")
		return
	}
	if bots == nil {
		bots = []*Bot{}
	}

	response.JSON(w, http.StatusOK, bots)
}

// Create handles POST /bots
// @Summary      Add a bot
// @Description  Add a synthetic participant to the roster
// @Tags         bots
// @Accept       json
// @Produce      json
// @Param        request body CreateBotRequest true "Bot to add"
// @Success      201 {object} response.APIResponse{data=Bot}
// @Failure      400 {object} response.APIResponse
// @Failure      409 {object} response.APIResponse
// @Router       /bots [post]
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	b, err := h.provider.Add(r.Context(), req.Handle)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidHandle):
			response.BadRequest(w, err.Error())
		case errors.Is(err, ErrHandleTaken):
			response.Conflict(w, err.Error())
		default:
			response.InternalError(w, "Failed to add bot")
		}
		return
	}

	response.JSON(w, http.StatusCreated, b)
}
