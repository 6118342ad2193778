package team

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fkhayef/questarena/pkg/response"
)

// Handler handles HTTP requests for team reads
type Handler struct {
	service *Service
}

// NewHandler creates a new team handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the router for team endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{id}", h.GetByID)
	r.Get("/{id}/members", h.GetMembers)

	return r
}

// GetByID handles GET /teams/{id}
// @Summary      Get team by ID
// @Description  Get a team with its roster and opponent link
// @Tags         teams
// @Produce      json
// @Param        id path int true "Team ID"
// @Success      200 {object} response.APIResponse{data=TeamResponse}
// @Failure      404 {object} response.APIResponse
// @Router       /teams/{id} [get]
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid team ID")
		return
	}

	team, members, err := h.service.GetTeamWithMembers(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTeamNotFound) {
			response.NotFound(w, err.Error())
			return
		}
		response.InternalError(w, "Failed to get team")
		return
	}

	resp := team.ToResponse()
	resp.Members = MembersToResponse(members)
	response.JSON(w, http.StatusOK, resp)
}

// GetMembers handles GET /teams/{id}/members
// @Summary      Get team members
// @Description  Get the roster of a team, leader first
// @Tags         teams
// @Produce      json
// @Param        id path int true "Team ID"
// @Success      200 {object} response.APIResponse{data=[]MemberResponse}
// @Failure      404 {object} response.APIResponse
// @Router       /teams/{id}/members [get]
func (h *Handler) GetMembers(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		response.BadRequest(w, "Invalid team ID")
		return
	}

	members, err := h.service.GetMembers(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrTeamNotFound) {
			response.NotFound(w, err.Error())
			return
		}
		response.InternalError(w, "Failed to get members")
		return
	}

	response.JSON(w, http.StatusOK, MembersToResponse(members))
}
