package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"controlplane/internal/api/v1/dto"
	"controlplane/internal/api/v1/response"
	"controlplane/internal/middleware"
	"controlplane/internal/model"
	"controlplane/internal/repository"
	"controlplane/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	maxPage          = 100000
)

// AdminUserHandler serves the admin user-management API.
type AdminUserHandler struct {
	users         *service.AdminUserService
	confirmations *service.ConfirmationService
	validate      *validator.Validate
	unlinkedLimit int
	logger        zerolog.Logger
}

// NewAdminUserHandler creates a new AdminUserHandler.
func NewAdminUserHandler(
	users *service.AdminUserService,
	confirmations *service.ConfirmationService,
	v *validator.Validate,
	unlinkedLimit int,
	logger zerolog.Logger,
) *AdminUserHandler {
	if unlinkedLimit <= 0 {
		unlinkedLimit = 100
	}
	return &AdminUserHandler{
		users:         users,
		confirmations: confirmations,
		validate:      v,
		unlinkedLimit: unlinkedLimit,
		logger:        logger.With().Str("handler", "AdminUserHandler").Logger(),
	}
}

// RegisterRoutes mounts the admin user routes. mux is expected to sit behind AdminAuth.
func (h *AdminUserHandler) RegisterRoutes(mux *http.ServeMux) {
	confirm := middleware.RequireConfirmation

	mux.HandleFunc("GET /users/stats", h.getStats)
	mux.HandleFunc("GET /users/unlinked-events", h.listUnlinkedEvents)
	mux.HandleFunc("GET /users", h.listUsers)
	mux.HandleFunc("POST /users", h.createUser)
	mux.HandleFunc("POST /users/confirmations", h.issueConfirmation)
	mux.Handle("PUT /users/bulk-update", confirm(http.HandlerFunc(h.bulkUpdate)))
	mux.HandleFunc("GET /users/{id}", h.getUser)
	mux.Handle("PUT /users/{id}", confirm(http.HandlerFunc(h.updateUser)))
	mux.Handle("PUT /users/{id}/disable", confirm(http.HandlerFunc(h.disableUser)))
	mux.Handle("DELETE /users/{id}", confirm(http.HandlerFunc(h.deleteUser)))
}

func (h *AdminUserHandler) getStats(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	stats, err := h.users.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err, "failed to load user stats")
		return
	}
	response.Success(w, http.StatusOK, "user stats retrieved", stats, p.ResponseUser())
}

func (h *AdminUserHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	q := r.URL.Query()

	page, err := positiveIntParam(q.Get("page"), 1)
	if err != nil || page > maxPage {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("page must be an integer between 1 and %d", maxPage), nil, p.ResponseUser())
		return
	}
	limit, err := positiveIntParam(q.Get("limit"), defaultPageLimit)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer", nil, p.ResponseUser())
		return
	}
	limit = min(limit, maxPageLimit)

	tier := model.Tier(strings.ToLower(strings.TrimSpace(q.Get("tier"))))
	if tier != "" && !tier.Valid() {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "tier must be one of basic, premium, admin", nil, p.ResponseUser())
		return
	}

	users, total, err := h.users.List(r.Context(), repository.ListParams{
		Page:      page,
		Limit:     limit,
		Tier:      tier,
		Search:    q.Get("search"),
		SortBy:    q.Get("sortBy"),
		SortOrder: q.Get("sortOrder"),
	})
	if err != nil {
		h.fail(w, r, err, "failed to list users")
		return
	}

	out := make([]dto.AdminUserResponseDTO, len(users))
	for i := range users {
		out[i] = dto.NewAdminUserResponse(&users[i])
	}
	response.List(w, "users retrieved", out, response.NewPagination(page, limit, total), p.ResponseUser())
}

func (h *AdminUserHandler) listUnlinkedEvents(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	events, err := h.users.ListUnlinkedEvents(r.Context(), h.unlinkedLimit)
	if err != nil {
		h.fail(w, r, err, "failed to list unlinked billing events")
		return
	}
	out := make([]dto.UnlinkedEventResponseDTO, len(events))
	for i, e := range events {
		out[i] = dto.UnlinkedEventResponseDTO{
			ID:             e.ID,
			EventID:        e.EventID,
			EventType:      e.EventType,
			CustomerRef:    e.CustomerRef,
			CorrelationKey: e.CorrelationKey,
			Email:          e.Email,
			Reason:         e.Reason,
			CreatedAt:      e.CreatedAt,
		}
	}
	response.Success(w, http.StatusOK, "unlinked billing events retrieved", out, p.ResponseUser())
}

func (h *AdminUserHandler) getUser(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	u, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err, "failed to load user")
		return
	}
	response.Success(w, http.StatusOK, "user retrieved", dto.NewAdminUserResponse(u), p.ResponseUser())
}

func (h *AdminUserHandler) createUser(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req dto.AdminUserCreateDTO
	if !h.decode(w, r, &req) {
		return
	}
	u, err := h.users.Create(r.Context(), service.CreateUserInput{
		Email:     strings.TrimSpace(req.Email),
		FirstName: strings.TrimSpace(req.FirstName),
		LastName:  strings.TrimSpace(req.LastName),
		Password:  req.Password,
		Tier:      model.Tier(req.Tier),
	})
	if err != nil {
		h.fail(w, r, err, "failed to create user")
		return
	}
	h.audit(r, "create", u.ID)
	response.Success(w, http.StatusCreated, "user created", dto.NewAdminUserResponse(u), p.ResponseUser())
}

func (h *AdminUserHandler) updateUser(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req dto.AdminUserUpdateDTO
	if !h.decode(w, r, &req) {
		return
	}
	if !h.confirm(w, r, "update", []int64{id}) {
		return
	}

	patch := repository.UserPatch{Email: req.Email, FirstName: req.FirstName, LastName: req.LastName}
	if req.Tier != nil {
		t := model.Tier(*req.Tier)
		patch.Tier = &t
	}
	if req.AccountStatus != nil {
		s := model.AccountStatus(*req.AccountStatus)
		patch.AccountStatus = &s
	}

	u, err := h.users.Update(r.Context(), id, patch)
	if err != nil {
		h.fail(w, r, err, "failed to update user")
		return
	}
	h.audit(r, "update", id)
	response.Success(w, http.StatusOK, "user updated", dto.NewAdminUserResponse(u), p.ResponseUser())
}

func (h *AdminUserHandler) disableUser(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req dto.AdminUserDisableDTO
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	if !h.confirm(w, r, "disable", []int64{id}) {
		return
	}

	suspend := req.Disabled == nil || *req.Disabled
	u, err := h.users.SetSuspended(r.Context(), id, suspend)
	if err != nil {
		h.fail(w, r, err, "failed to change account status")
		return
	}
	msg := "user disabled"
	if !suspend {
		msg = "user enabled"
	}
	h.audit(r, "disable", id)
	response.Success(w, http.StatusOK, msg, dto.NewAdminUserResponse(u), p.ResponseUser())
}

func (h *AdminUserHandler) deleteUser(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if !h.confirm(w, r, "delete", []int64{id}) {
		return
	}
	if err := h.users.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err, "failed to delete user")
		return
	}
	h.audit(r, "delete", id)
	response.Success(w, http.StatusOK, "user deleted", map[string]int64{"id": id}, p.ResponseUser())
}

func (h *AdminUserHandler) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req dto.BulkUpdateDTO
	if !h.decode(w, r, &req) {
		return
	}
	action, err := service.ParseBulkAction(req.Action)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil, p.ResponseUser())
		return
	}
	if !h.confirm(w, r, string(action), req.UserIDs) {
		return
	}

	res, err := h.users.Bulk(r.Context(), action, req.UserIDs)
	if err != nil {
		h.fail(w, r, err, "bulk update failed")
		return
	}
	h.logger.Info().
		Str("admin_email", p.Email).
		Str("action", string(action)).
		Ints64("succeeded", res.Succeeded).
		Ints64("protected", res.Protected).
		Int("failed", len(res.Failed)).
		Msg("Admin bulk action")
	response.Success(w, http.StatusOK, "bulk "+string(action)+" processed", res, p.ResponseUser())
}

func (h *AdminUserHandler) issueConfirmation(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req dto.ConfirmationRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.confirmations.Issue(r.Context(), p.IdentityRef, req.Action, req.UserIDs)
	if err != nil {
		h.fail(w, r, err, "failed to issue confirmation")
		return
	}
	response.Success(w, http.StatusCreated, "confirmation issued", c, p.ResponseUser())
}

// confirm checks the confirmation header against the parsed operation. The presence
// check has already run in RequireConfirmation.
func (h *AdminUserHandler) confirm(w http.ResponseWriter, r *http.Request, action string, ids []int64) bool {
	p := principal(r)
	token := r.Header.Get(middleware.ConfirmationHeader)
	if err := h.confirmations.Verify(r.Context(), token, p.IdentityRef, action, ids); err != nil {
		h.fail(w, r, err, "confirmation rejected")
		return false
	}
	return true
}

func (h *AdminUserHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	p := principal(r)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid JSON payload: "+err.Error(), nil, p.ResponseUser())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "validation failed: "+err.Error(), nil, p.ResponseUser())
		return false
	}
	return true
}

func (h *AdminUserHandler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "user id must be a positive integer", nil, principal(r).ResponseUser())
		return 0, false
	}
	return id, true
}

// fail maps service errors to status codes.
func (h *AdminUserHandler) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	user := principal(r).ResponseUser()
	var partial *service.PartialDeleteError

	switch {
	case errors.Is(err, service.ErrUserNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil, user)
	case errors.Is(err, service.ErrProtectedTarget):
		h.logger.Warn().Str("admin_email", principal(r).Email).Str("path", r.URL.Path).Msg("Attempted mutation of protected admin record")
		response.Error(w, http.StatusForbidden, "PROTECTED_TARGET", err.Error(), nil, user)
	case errors.Is(err, service.ErrAdminTierGrant),
		errors.Is(err, service.ErrInvalidAction),
		errors.Is(err, service.ErrNoTargets):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil, user)
	case errors.Is(err, service.ErrConfirmationRequired):
		response.Error(w, http.StatusBadRequest, "CONFIRMATION_REQUIRED", err.Error(), nil, user)
	case errors.Is(err, service.ErrConfirmationInvalid):
		response.Error(w, http.StatusBadRequest, "CONFIRMATION_INVALID", err.Error(), nil, user)
	case errors.Is(err, service.ErrConfirmationUnavailable):
		response.Error(w, http.StatusBadRequest, "CONFIRMATION_NOT_ENABLED", err.Error(), nil, user)
	case errors.As(err, &partial):
		h.logger.Error().Err(err).Int64("user_id", partial.UserID).Msg("User deleted but identity deletion failed")
		response.Error(w, http.StatusInternalServerError, "PARTIAL_DELETE", err.Error(),
			map[string]bool{"canonicalDeleted": true, "identityDeleted": false}, user)
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg(msg)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", msg, nil, user)
	}
}

func (h *AdminUserHandler) audit(r *http.Request, action string, userID int64) {
	p := principal(r)
	h.logger.Info().Str("admin_email", p.Email).Str("action", action).Int64("user_id", userID).Msg("Admin action")
}

// principal returns the authorized admin, or an empty Principal when none is set.
func principal(r *http.Request) *middleware.Principal {
	if p, ok := middleware.PrincipalFromContext(r.Context()); ok {
		return p
	}
	return &middleware.Principal{}
}

func positiveIntParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}
