package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/engine"
	"github.com/leapstack-labs/leapserve/internal/query"
	"github.com/leapstack-labs/leapserve/internal/source"
)

// writeError maps domain errors onto HTTP statuses. Execution failures
// surface generically; their detail goes to the log only.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		slog.String("request_id", requestIDFrom(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()))

	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestIDFrom(r.Context()),
	})
}

func statusFor(err error) (int, string) {
	var (
		validation  *query.ValidationError
		notFound    *source.NotFoundError
		fileType    *config.FileTypeError
		unknownEng  *engine.UnknownEngineError
		unsupported *engine.UnsupportedOperationError
		execution   *engine.ExecutionError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.As(err, &fileType):
		return http.StatusBadRequest, fileType.Error()
	case errors.As(err, &unknownEng):
		return http.StatusBadRequest, unknownEng.Error()
	case errors.As(err, &unsupported):
		return http.StatusUnprocessableEntity, unsupported.Error()
	case errors.As(err, &execution):
		return http.StatusInternalServerError, "query execution failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
