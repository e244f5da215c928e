package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rentescrow/internal/auth"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/pagination"
	"github.com/mbd888/rentescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	id := validation.EntryIDParamMiddleware()
	r.GET("/escrows/:id", id, h.GetEscrow)
	r.POST("/escrows/:id/confirm", id, h.Confirm)
	r.POST("/escrows/:id/dispute", id, h.Dispute)
	r.GET("/me/escrows", h.ListMine)
	r.GET("/rentals/:rentalId/escrow", h.GetByRental)
	r.GET("/owners/:payeeId/earnings", h.OwnerEarnings)
}

// RegisterAdminRoutes sets up administrator routes. The group must require role=admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	id := validation.EntryIDParamMiddleware()
	r.POST("/escrows/:id/release", id, h.Release)
	r.POST("/escrows/:id/reject-release", id, h.RejectRelease)
	r.POST("/escrows/:id/dispute/review", id, h.ReviewDispute)
	r.POST("/escrows/:id/dispute/resolve", id, h.ResolveDispute)
	r.POST("/escrows/:id/dispute/cancel", id, h.CancelDispute)
	r.POST("/escrows/:id/payout/retry", id, h.RetryPayout)

	r.GET("/reports/held", h.HeldTotal)
	r.GET("/reports/pending-release", h.PendingRelease)
	r.GET("/reports/failed-payouts", h.FailedPayouts)
	r.GET("/reports/summary", h.Summary)
}

// RegisterInternalRoutes sets up routes for the rental module. The group
// must require role=service.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Initiate)
	r.POST("/escrows/:id/capture", validation.EntryIDParamMiddleware(), h.RequestCapture)
}

type noteRequest struct {
	Note string `json:"note"`
}

type confirmRequest struct {
	Party Party  `json:"party"`
	Note  string `json:"note"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type releaseRequest struct {
	Note     string `json:"note"`
	Override bool   `json:"override"`
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !canRead(c, e) {
		forbidden(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// GetByRental handles GET /v1/rentals/:rentalId/escrow
func (h *Handler) GetByRental(c *gin.Context) {
	e, err := h.service.GetByRental(c.Request.Context(), c.Param("rentalId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !canRead(c, e) {
		forbidden(c)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListMine handles GET /v1/me/escrows?limit=&cursor=
func (h *Handler) ListMine(c *gin.Context) {
	cursor, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not a value returned by a previous page",
		})
		return
	}
	limit := parseLimit(c)
	entries, err := h.service.ListByParty(c.Request.Context(), auth.GetSubject(c), limit+1, WithCursor(cursor))
	if err != nil {
		h.writeError(c, err)
		return
	}
	page := pagination.Paginate(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// OwnerEarnings handles GET /v1/owners/:payeeId/earnings
func (h *Handler) OwnerEarnings(c *gin.Context) {
	payeeID := c.Param("payeeId")
	if payeeID != auth.GetSubject(c) && !auth.IsAdmin(c) {
		forbidden(c)
		return
	}
	earnings, err := h.service.OwnerEarnings(c.Request.Context(), payeeID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payeeId": payeeID, "earnings": earnings})
}

// Confirm handles POST /v1/escrows/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req confirmRequest
	if !bind(c, &req) || !checkNote(c, "note", req.Note) {
		return
	}
	e, err := h.service.ConfirmByParty(c.Request.Context(), c.Param("id"), auth.GetSubject(c), req.Party, req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e, "bothConfirmed": BothConfirmed(e)})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req disputeRequest
	if !bind(c, &req) || !checkNote(c, "reason", req.Reason) {
		return
	}
	e, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.GetSubject(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Release handles POST /v1/admin/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	if !bind(c, &req) || !checkNote(c, "note", req.Note) {
		return
	}
	ctx := c.Request.Context()
	e, err := h.service.Release(ctx, c.Param("id"), ReleaseRequest{
		Actor:    auth.GetSubject(c),
		Note:     req.Note,
		Override: req.Override,
	})
	if errors.Is(err, ErrAlreadyReleased) {
		current, gerr := h.service.Get(ctx, c.Param("id"))
		if gerr != nil {
			h.writeError(c, gerr)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "already_handled",
			"message": "Escrow was already released",
			"escrow":  current,
		})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RejectRelease handles POST /v1/admin/escrows/:id/reject-release
func (h *Handler) RejectRelease(c *gin.Context) {
	var req disputeRequest
	if !bind(c, &req) || !checkNote(c, "reason", req.Reason) {
		return
	}
	e, err := h.service.RejectRelease(c.Request.Context(), c.Param("id"), auth.GetSubject(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ReviewDispute handles POST /v1/admin/escrows/:id/dispute/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	e, err := h.service.MarkUnderReview(c.Request.Context(), c.Param("id"), auth.GetSubject(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ResolveDispute handles POST /v1/admin/escrows/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) || !checkNote(c, "resolution", req.Resolution) {
		return
	}
	req.AdminID = auth.GetSubject(c)
	e, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// CancelDispute handles POST /v1/admin/escrows/:id/dispute/cancel
func (h *Handler) CancelDispute(c *gin.Context) {
	var req noteRequest
	if !bind(c, &req) || !checkNote(c, "note", req.Note) {
		return
	}
	e, err := h.service.CancelDispute(c.Request.Context(), c.Param("id"), auth.GetSubject(c), req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// RetryPayout handles POST /v1/admin/escrows/:id/payout/retry
func (h *Handler) RetryPayout(c *gin.Context) {
	e, err := h.service.RetryPayout(c.Request.Context(), c.Param("id"), auth.GetSubject(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// HeldTotal handles GET /v1/admin/reports/held?currency=XXX
func (h *Handler) HeldTotal(c *gin.Context) {
	currency := strings.ToUpper(c.Query("currency"))
	if !validation.IsValidCurrency(currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "currency query parameter must be a 3-letter code",
		})
		return
	}
	total, err := h.service.TotalHeld(c.Request.Context(), currency)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currency": currency, "total": total})
}

// PendingRelease handles GET /v1/admin/reports/pending-release
func (h *Handler) PendingRelease(c *gin.Context) {
	entries, err := h.service.PendingRelease(c.Request.Context(), parseLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": entries, "count": len(entries)})
}

// FailedPayouts handles GET /v1/admin/reports/failed-payouts
func (h *Handler) FailedPayouts(c *gin.Context) {
	entries, err := h.service.FailedPayouts(c.Request.Context(), parseLimit(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": entries, "count": len(entries)})
}

// Summary handles GET /v1/admin/reports/summary
func (h *Handler) Summary(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

// Initiate handles POST /v1/internal/escrows
func (h *Handler) Initiate(c *gin.Context) {
	var req CaptureRequest
	if !bind(c, &req) {
		return
	}
	e, err := h.service.Initiate(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// RequestCapture handles POST /internal/escrows/:id/capture
func (h *Handler) RequestCapture(c *gin.Context) {
	e, err := h.service.RequestCapture(c.Request.Context(), c.Param("id"), auth.GetSubject(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"escrow": e})
}

func canRead(c *gin.Context, e *Entry) bool {
	switch auth.GetRole(c) {
	case auth.RoleAdmin, auth.RoleService:
		return true
	}
	_, ok := e.PartyOf(auth.GetSubject(c))
	return ok
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func checkNote(c *gin.Context, field, value string) bool {
	if errs := validation.Validate(
		validation.MaxLength(field, value, validation.MaxNoteLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

func forbidden(c *gin.Context) {
	c.JSON(http.StatusForbidden, gin.H{
		"error":   "unauthorized",
		"message": "Not a party to this escrow",
	})
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	return limit
}

// writeError maps service errors to HTTP responses.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrAlreadyReleased):
		status, code = http.StatusConflict, "already_released"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrDuplicateEntry):
		status, code = http.StatusConflict, "duplicate_entry"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrInsufficientDetail):
		status, code = http.StatusUnprocessableEntity, "insufficient_detail"
	case errors.Is(err, ErrAmountMismatch):
		status, code = http.StatusUnprocessableEntity, "amount_mismatch"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrUnknownOutcome), errors.Is(err, ErrInvalidParty):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrGatewayUnavailable):
		status, code = http.StatusServiceUnavailable, "gateway_unavailable"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
