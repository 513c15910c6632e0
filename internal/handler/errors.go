package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/internal/apperr"
	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	"github.com/prohmpiriya/school-tenancy/pkg/response"
)

// writeError maps the error taxonomy onto HTTP. Anything unclassified is
// answered with generic and logged.
func writeError(c *gin.Context, err error, generic string) {
	var (
		validation *apperr.ValidationError
		conflict   *apperr.ConflictError
		denied     *apperr.AccessDeniedError
	)
	switch {
	case errors.As(err, &validation):
		response.Write(c, response.ValidationFailed(validation.Details()))
	case errors.As(err, &conflict):
		response.Write(c, response.Conflict(response.ConflictCode(conflict.Field), conflict.Message))
	case errors.As(err, &denied):
		response.Write(c, response.Forbidden(denied.Message))
	case errors.Is(err, apperr.ErrTransient):
		response.Write(c, response.ServiceUnavailable(""))
	default:
		if !errors.Is(err, apperr.ErrDependency) {
			logger.ErrorCtx(c.Request.Context(), "unhandled request error",
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
		}
		response.Write(c, response.InternalError(generic))
	}
}
