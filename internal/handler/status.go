// Package handler exposes the REST surface: session lifecycle,
// scrollback retrieval, and the settings record. Streaming I/O lives
// on the WebSocket channels, not here.
package handler

import (
	"errors"
	"net/http"

	"github.com/midterm-sh/midterm/internal/core"
)

// domainStatus maps domain errors to HTTP status codes. Unrecognised
// errors fall back to 500.
func domainStatus(err error) int {
	var notFound *core.ErrSessionNotFound
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var invalid *core.ErrInvalidArgument
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}
	var unavailable *core.ErrBackendUnavailable
	if errors.As(err, &unavailable) {
		return http.StatusBadGateway
	}
	var notRunning *core.ErrSessionNotRunning
	if errors.As(err, &notRunning) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
