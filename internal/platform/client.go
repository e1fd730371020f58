// Package platform talks to the remote platforms. Per-platform field shapes
// stay behind this boundary; the sync core only sees models.Payload.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/kimhsiao/bridgesync/internal/errors"
	"github.com/kimhsiao/bridgesync/internal/models"
)

// Request is one push toward a platform.
type Request struct {
	EntityType string
	Operation  models.Operation
	// RemoteID is the target's id. Empty for creates.
	RemoteID string
	LocalID  string
	Payload  models.Payload
}

// Response is what the platform reported back.
type Response struct {
	RemoteID  string
	UpdatedAt time.Time
}

// Client pushes changes to one platform.
type Client interface {
	Side() models.Side
	Push(ctx context.Context, req Request) (*Response, error)
}

// Clients indexes clients by side.
type Clients map[models.Side]Client

// For returns the client of side.
func (c Clients) For(side models.Side) (Client, error) {
	client, ok := c[side]
	if !ok || client == nil {
		return nil, apperrors.Newf(apperrors.ErrPermanentRemote, "no client configured for %s", side)
	}
	return client, nil
}

// StatusError is a non-2xx answer from a platform.
type StatusError struct {
	Side       models.Side
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned %d", e.Side, e.StatusCode)
	}
	return fmt.Sprintf("%s returned %d: %s", e.Side, e.StatusCode, e.Body)
}

// Transient reports whether a retry may succeed.
func (e *StatusError) Transient() bool {
	return TransientStatus(e.StatusCode)
}

// TransientStatus reports whether an HTTP status is worth retrying: 408, 425,
// 429 and every 5xx.
func TransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Classify wraps a push error with TRANSIENT_REMOTE_ERROR or
// PERMANENT_REMOTE_ERROR. Timeouts and network failures are transient;
// 4xx answers other than the retryable ones are permanent. Errors that
// already carry an application code are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Transient() {
			return apperrors.Wrap(apperrors.ErrTransientRemote, "remote call failed", err)
		}
		return apperrors.Wrap(apperrors.ErrPermanentRemote, "remote rejected request", err)
	}

	// Timeouts, cancellations and transport failures.
	return apperrors.Wrap(apperrors.ErrTransientRemote, "remote call failed", err)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return apperrors.Is(Classify(err), apperrors.ErrPermanentRemote)
}
