// Package controller defines the wireless-controller abstraction the
// rest of the service programs against. The Omada implementation lives
// in the omada subpackage.
package controller

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks controller failures that exhausted their retry
// budget or could not reach the controller at all.
var ErrUnavailable = errors.New("controller unavailable")

// AuthorizeRequest describes one client authorization.
type AuthorizeRequest struct {
	MAC      string
	EndUTC   time.Time
	UpKbps   int
	DownKbps int
}

// AuthorizeResult is the controller's handle for a successful
// authorization.
type AuthorizeResult struct {
	GrantID string
}

// Controller is the operations surface a wireless controller must
// provide. Implementations retry transient failures internally and
// return ErrUnavailable when the budget runs out.
type Controller interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (AuthorizeResult, error)
	Extend(ctx context.Context, mac, grantID string, end time.Time) error
	Revoke(ctx context.Context, mac, grantID string) error
	Health(ctx context.Context) error
}
