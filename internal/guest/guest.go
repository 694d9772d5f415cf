// Package guest is the guest-facing portal: the authorization form,
// the unified-code pipeline, and the captive-portal detection routes.
package guest

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/rentalnet/guestgate/internal/booking"
	"github.com/rentalnet/guestgate/internal/domain"
	"github.com/rentalnet/guestgate/internal/mac"
)

// voucherPattern is the shape of a voucher code after uppercasing.
var voucherPattern = regexp.MustCompile(`^[A-Z0-9]{4,24}$`)

// DetectionRoutes are the OS captive-portal probe paths. All redirect
// to the authorization form with the probed URL preserved.
var DetectionRoutes = []string{
	"/generate_204",
	"/gen_204",
	"/connecttest.txt",
	"/ncsi.txt",
	"/hotspot-detect.html",
	"/library/test/success.html",
	"/success.txt",
}

// result is the outcome of a dispatched authorization.
type result struct {
	grant  *domain.AccessGrant
	method string
}

// dispatch routes the guest input to the booking or voucher path.
// Booking is tried first so that an identifier serving both roles
// resolves to the reservation; the voucher path runs only when no
// booking event matches and the input is voucher-shaped.
func (h *Handlers) dispatch(ctx context.Context, input, macAddr string, sessionToken *string) (*result, error) {
	g, err := h.bookings.Authorize(ctx, input, macAddr, sessionToken)
	if err == nil {
		return &result{grant: g, method: "booking"}, nil
	}
	if !errors.Is(err, booking.ErrNotFound) {
		return nil, err
	}

	if !voucherPattern.MatchString(strings.ToUpper(strings.TrimSpace(input))) {
		return nil, booking.ErrNotFound
	}
	res, err := h.vouchers.Redeem(ctx, input, macAddr, sessionToken)
	if err != nil {
		return nil, err
	}
	return &result{grant: res.Grant, method: "voucher"}, nil
}

// captureMAC normalizes the first MAC found in the configured headers.
// found reports whether any header carried a value at all; a carried
// but malformed value is an error.
func captureMAC(r *http.Request, headers []string) (normalized string, found bool, err error) {
	for _, header := range headers {
		raw := strings.TrimSpace(r.Header.Get(header))
		if raw == "" {
			continue
		}
		normalized, err = mac.Normalize(raw)
		return normalized, true, err
	}
	return "", false, nil
}

// newSessionToken mints the fallback token used when the MAC headers
// are absent. The grant stays PENDING until reconciliation attaches a
// device or the sweeper revokes it.
func newSessionToken() string {
	return uuid.NewString()
}
