package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/testline/testline-backend/internal/middleware"
	"github.com/testline/testline-backend/internal/model"
	"github.com/testline/testline-backend/internal/repository"
	"github.com/testline/testline-backend/internal/response"
	"github.com/testline/testline-backend/internal/service"
	"github.com/testline/testline-backend/internal/session"
	"github.com/testline/testline-backend/internal/validator"
)

// AttemptHandler handles the REST surface of the attempt engine: the start,
// state, submit and result endpoints for students, and the review queue plus
// score overrides for reviewers. The real-time stream lives in WSHandler.
type AttemptHandler struct {
	attemptService *service.AttemptService
	reviewers      *repository.ReviewerRepository
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, reviewers *repository.ReviewerRepository, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		reviewers:      reviewers,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// failAttemptError maps the engine's error taxonomy onto response codes.
func failAttemptError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
	case errors.Is(err, session.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, session.ErrSessionClosed):
		response.Fail(c, http.StatusConflict, response.ErrAttemptClosed)
	case errors.Is(err, session.ErrPersistence):
		response.Fail(c, http.StatusInternalServerError, response.ErrCheckpointFailed)
	case errors.Is(err, session.ErrValidation):
		response.Fail(c, http.StatusBadRequest, response.ErrValidation)
	case errors.Is(err, service.ErrNotOwner):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// ListTests godoc
// GET /api/v1/student/tests
// Lists the tests currently open for attempts.
func (h *AttemptHandler) ListTests(c *gin.Context) {
	tests, err := h.attemptService.ListTests(c.Request.Context())
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"tests": tests})
}

// StartAttempt godoc
// POST /api/v1/student/tests/:test_id/attempts
// Starts a new attempt on a test, or resumes the student's live one.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// An explicit attempt_id in the body asks to rejoin that session instead
	// of opening a new one.
	var req model.StartAttemptRequest
	_ = c.ShouldBindJSON(&req)
	if req.AttemptID != nil {
		view, err := h.attemptService.State(c.Request.Context(), *req.AttemptID, claims.UserID)
		if err != nil {
			failAttemptError(c, err)
			return
		}
		response.Success(c, http.StatusOK, view)
		return
	}

	view, err := h.attemptService.Start(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		if errors.Is(err, session.ErrValidation) {
			// Covers draft/closed tests and exhausted attempt limits.
			response.Fail(c, http.StatusConflict, response.ErrTestNotAvailable)
			return
		}
		failAttemptError(c, err)
		return
	}

	h.log.Info().
		Int("student_id", claims.UserID).
		Str("test_id", testID.String()).
		Str("attempt_id", view.Attempt.ID.String()).
		Msg("Attempt started")

	response.Success(c, http.StatusCreated, view)
}

// GetActiveAttempt godoc
// GET /api/v1/student/tests/:test_id/active-attempt
// Points the client at a resumable attempt after a page reload.
func (h *AttemptHandler) GetActiveAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	view, err := h.attemptService.ActiveAttempt(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		failAttemptError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// GetAttemptState godoc
// GET /api/v1/student/attempts/:attempt_id/state
// Returns the full attempt state for reconnect rendering: saved responses,
// sanitized questions and the server-authoritative remaining time.
func (h *AttemptHandler) GetAttemptState(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	view, err := h.attemptService.State(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		failAttemptError(c, err)
		return
	}

	response.Success(c, http.StatusOK, view)
}

// SubmitAttempt godoc
// POST /api/v1/student/attempts/:attempt_id/submit
// Finalizes an attempt and grades it. Safe to retry: a duplicate submit
// returns ALREADY_SUBMITTED without disturbing the recorded outcome.
func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	// The client may report its own elapsed time, but the server clock is
	// authoritative. The claimed value is only kept for drift diagnostics.
	var req model.SubmitAttemptRequest
	_ = c.ShouldBindJSON(&req)

	record, err := h.attemptService.Submit(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		// On this endpoint every closed-session variant, including a race
		// lost to a finishing duplicate, means the attempt was already
		// finalized; report it as such so clients stop retrying.
		if errors.Is(err, session.ErrSessionClosed) {
			response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
			return
		}
		failAttemptError(c, err)
		return
	}

	h.log.Info().
		Int("student_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Int64("client_time_spent_ms", req.TotalTimeSpentMs).
		Int64("server_time_spent_ms", record.TimeSpent.Milliseconds()).
		Msg("Attempt submitted")

	response.Success(c, http.StatusOK, gin.H{
		"attempt_id":    record.ID,
		"status":        record.Status,
		"submit_type":   record.SubmitType,
		"time_spent_ms": record.TimeSpent.Milliseconds(),
		"score":         record.Score,
	})
}

// GetAttemptResult godoc
// GET /api/v1/student/attempts/:attempt_id/result
// Returns the graded outcome of a completed attempt.
func (h *AttemptHandler) GetAttemptResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	record, err := h.attemptService.Result(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		if errors.Is(err, session.ErrValidation) {
			response.Fail(c, http.StatusConflict, response.ErrAttemptNotCompleted)
			return
		}
		failAttemptError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempt": record})
}

// GetAttemptHistory godoc
// GET /api/v1/student/tests/:test_id/attempts
// Lists the student's past attempts on a test.
func (h *AttemptHandler) GetAttemptHistory(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	testID, err := uuid.Parse(c.Param("test_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempts, err := h.attemptService.History(c.Request.Context(), testID, claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// GetReviewQueue godoc
// GET /api/v1/reviewer/review-queue
// Pages through completed attempts flagged for human review.
func (h *AttemptHandler) GetReviewQueue(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 10
	}

	items, total, err := h.attemptService.ReviewQueue(c.Request.Context(), page, perPage)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	response.SuccessWithPagination(c, http.StatusOK, gin.H{"attempts": items}, &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: int(total),
		TotalPages: totalPages,
	})
}

// GetAttemptForReview godoc
// GET /api/v1/reviewer/attempts/:attempt_id
// Returns a completed attempt with the full answer key for review.
func (h *AttemptHandler) GetAttemptForReview(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	record, questions, err := h.attemptService.ReviewedAttempt(c.Request.Context(), attemptID)
	if err != nil {
		failAttemptError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"attempt":   record,
		"questions": questions,
	})
}

// OverrideAttempt godoc
// POST /api/v1/reviewer/attempts/:attempt_id/override
// Applies a reviewer's per-question score corrections and re-aggregates.
func (h *AttemptHandler) OverrideAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.OverrideRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	reviewer, err := h.reviewers.GetByID(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
		return
	}

	score, err := h.attemptService.Override(c.Request.Context(), attemptID, req.Adjustments, reviewer.Email)
	if err != nil {
		failAttemptError(c, err)
		return
	}

	h.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("reviewer", reviewer.Email).
		Msg("Attempt score overridden")

	response.Success(c, http.StatusOK, gin.H{"score": score})
}
