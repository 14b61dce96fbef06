package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// failFromError maps engine errors onto the response envelope. Unknown
// errors are logged and reported as internal.
func failFromError(c *gin.Context, err error) {
	var incomplete *service.IncompleteAttemptError
	switch {
	case errors.As(err, &incomplete):
		response.FailWithFields(c, http.StatusUnprocessableEntity, response.ErrIncompleteAttempt, map[string]string{
			"missing_count":    strconv.Itoa(incomplete.MissingCount),
			"first_unanswered": strconv.Itoa(incomplete.FirstUnanswered),
		})
	case errors.Is(err, repository.ErrAttemptNotFound),
		errors.Is(err, repository.ErrExamDefinitionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrNotOwner):
		response.Fail(c, http.StatusForbidden, response.ErrNotAttemptOwner)
	case errors.Is(err, service.ErrNotEligible):
		response.Fail(c, http.StatusForbidden, response.ErrNotEligible)
	case errors.Is(err, service.ErrMissingCandidate):
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
	case errors.Is(err, service.ErrNoEligibleQuestions):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrNoEligibleQuestions)
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	case errors.Is(err, service.ErrInvalidAnswerIndex):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrInvalidAnswerIndex)
	case errors.Is(err, service.ErrCorruptAttempt):
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("Corrupt attempt")
		response.Fail(c, http.StatusConflict, response.ErrCorruptAttempt)
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// wsErrorCode is the error code sent over a stream for err.
func wsErrorCode(err error) response.ErrCode {
	var incomplete *service.IncompleteAttemptError
	switch {
	case errors.As(err, &incomplete):
		return response.ErrIncompleteAttempt
	case errors.Is(err, service.ErrInvalidTransition):
		return response.ErrInvalidTransition
	case errors.Is(err, service.ErrInvalidAnswerIndex):
		return response.ErrInvalidAnswerIndex
	case errors.Is(err, service.ErrCorruptAttempt):
		return response.ErrCorruptAttempt
	default:
		return response.ErrInternal
	}
}
