package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"wagateway/internal/apperr"
)

type ErrorBody struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

func JSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

func Error(c *gin.Context, status int, message string, details interface{}) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: message, Details: details})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message, nil)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message, nil)
}

func Forbidden(c *gin.Context) {
	Error(c, http.StatusForbidden, "Forbidden", nil)
}

// Fail writes err with the status its type maps to. Unknown errors answer 500
// with a generic message; the cause is logged, never returned.
func Fail(c *gin.Context, err error) {
	var (
		validation *apperr.ValidationError
		authz      *apperr.AuthorizationError
		authn      *apperr.AuthenticationError
		notFound   *apperr.NotFoundError
		upstream   *apperr.UpstreamError
	)
	switch {
	case errors.As(err, &validation):
		Error(c, http.StatusBadRequest, validation.Message, validation.Details)
	case errors.As(err, &authz):
		Error(c, http.StatusBadRequest, authz.Message, nil)
	case errors.As(err, &authn):
		Error(c, http.StatusUnauthorized, authn.Message, nil)
	case errors.As(err, &notFound):
		Error(c, http.StatusNotFound, "Not found", nil)
	case errors.As(err, &upstream):
		zerolog.Ctx(c.Request.Context()).Warn().Err(err).Int("upstream_status", upstream.StatusCode).Msg("gateway call failed")
		Error(c, http.StatusBadGateway, upstream.Message, nil)
	default:
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("request failed")
		Error(c, http.StatusInternalServerError, "Internal server error", nil)
	}
}
