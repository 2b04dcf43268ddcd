package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"crypto-ohlcv/internal/backfill"
	"crypto-ohlcv/internal/indicator"
	"crypto-ohlcv/internal/logger"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/query"
	"crypto-ohlcv/internal/stream"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type messageBody struct {
	Message string `json:"message"`
}

type streamsBody struct {
	ActiveStreams []string `json:"active_streams"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code and logs server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", append(logger.LogWithTrace(r.Context()), "path", r.URL.Path, "error", err)...)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), RequestID: logger.TraceID(r.Context())})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrAlreadyRunning), errors.Is(err, query.ErrOutOfOrder):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidRange),
		errors.Is(err, model.ErrMalformedTimestamp),
		errors.Is(err, indicator.ErrNoValues):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrBatchLimit),
		errors.Is(err, model.ErrConfirmationRequired),
		errors.Is(err, model.ErrInvalidInterval),
		errors.Is(err, model.ErrInvalidSymbol),
		errors.Is(err, indicator.ErrUnsupported),
		errors.Is(err, indicator.ErrInvalidParams),
		errors.Is(err, query.ErrInvalidCandle):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrStoreUnavailable), errors.Is(err, stream.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, backfill.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. Unknown fields are allowed.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}
