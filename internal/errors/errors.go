// Package errors defines the normalized errors shared by the broker, the
// workers and the driver. Every error carries an RFC code so that it keeps its
// identity after crossing the HTTP boundary between processes.
package errors

import (
	stderrors "errors"
	"net/http"

	"github.com/pingcap/errors"
)

var (
	// ErrConfiguration is fatal and surfaced before any turn runs.
	ErrConfiguration = errors.Normalize(
		"invalid run configuration: %s",
		errors.RFCCodeText("HALO:ErrConfiguration"),
	)
	ErrWorkerTimeout = errors.Normalize(
		"worker %s did not acknowledge turn %d within %s",
		errors.RFCCodeText("HALO:ErrWorkerTimeout"),
	)
	ErrNeighborExchange = errors.Normalize(
		"halo exchange failed for turn %d: %s",
		errors.RFCCodeText("HALO:ErrNeighborExchange"),
	)
	ErrWorkerFailed = errors.Normalize(
		"worker %s failed on turn %d",
		errors.RFCCodeText("HALO:ErrWorkerFailed"),
	)
	ErrRunAborted = errors.Normalize(
		"run %s aborted at turn %d",
		errors.RFCCodeText("HALO:ErrRunAborted"),
	)
	ErrRunInProgress = errors.Normalize(
		"run %s is already in progress",
		errors.RFCCodeText("HALO:ErrRunInProgress"),
	)
	ErrNoActiveRun = errors.Normalize(
		"no active run",
		errors.RFCCodeText("HALO:ErrNoActiveRun"),
	)
	ErrRunNotComplete = errors.Normalize(
		"run has completed %d of %d turns",
		errors.RFCCodeText("HALO:ErrRunNotComplete"),
	)
	ErrTurnOutOfOrder = errors.Normalize(
		"turn %d requested but worker is at turn %d",
		errors.RFCCodeText("HALO:ErrTurnOutOfOrder"),
	)
	ErrNotConfigured = errors.Normalize(
		"worker is not configured for run %s",
		errors.RFCCodeText("HALO:ErrNotConfigured"),
	)
	ErrInvalidRequest = errors.Normalize(
		"invalid request: %s",
		errors.RFCCodeText("HALO:ErrInvalidRequest"),
	)
	ErrImage = errors.Normalize(
		"invalid image: %s",
		errors.RFCCodeText("HALO:ErrImage"),
	)
)

type rfcCoder interface {
	RFCCode() errors.RFCErrorCode
}

type causer interface {
	Cause() error
}

// WrapError attaches err as the cause of a new instance of rfcError.
// It returns nil when err is nil.
func WrapError(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

// RFCCode returns the outermost RFC code found while unwinding err.
func RFCCode(err error) (errors.RFCErrorCode, bool) {
	for err != nil {
		if coder, ok := err.(rfcCoder); ok {
			return coder.RFCCode(), true
		}
		if c, ok := err.(causer); ok {
			next := c.Cause()
			if next == err {
				break
			}
			err = next
			continue
		}
		err = stderrors.Unwrap(err)
	}
	return "", false
}

// Is reports whether err carries the RFC code of target.
func Is(err error, target *errors.Error) bool {
	code, ok := RFCCode(err)
	return ok && code == target.RFCCode()
}

// HTTPStatus maps an error to the status code used in API responses.
func HTTPStatus(err error) int {
	switch {
	case Is(err, ErrConfiguration), Is(err, ErrInvalidRequest), Is(err, ErrImage):
		return http.StatusBadRequest
	case Is(err, ErrNoActiveRun):
		return http.StatusNotFound
	case Is(err, ErrRunAborted), Is(err, ErrRunInProgress), Is(err, ErrRunNotComplete),
		Is(err, ErrTurnOutOfOrder), Is(err, ErrNotConfigured):
		return http.StatusConflict
	case Is(err, ErrWorkerTimeout):
		return http.StatusGatewayTimeout
	case Is(err, ErrNeighborExchange), Is(err, ErrWorkerFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
