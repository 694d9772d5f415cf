// Package domain holds the portal's persistent entities and their
// validation rules. Aggregates reference each other by key only: a
// grant carries a voucher code or booking ref, never the voucher row.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Voucher code bounds.
const (
	VoucherLengthMin     = 4
	VoucherLengthMax     = 24
	VoucherLengthDefault = 10
)

// VoucherStatus is the voucher lifecycle state.
type VoucherStatus string

const (
	VoucherUnused  VoucherStatus = "unused"
	VoucherActive  VoucherStatus = "active"
	VoucherExpired VoucherStatus = "expired"
	VoucherRevoked VoucherStatus = "revoked"
)

// Voucher is a staff-issued redeemable access code. The code itself is
// the primary key.
type Voucher struct {
	Code            string        `db:"code"`
	CreatedUTC      time.Time     `db:"created_utc"`
	DurationMinutes int           `db:"duration_minutes"`
	UpKbps          *int          `db:"up_kbps"`
	DownKbps        *int          `db:"down_kbps"`
	Status          VoucherStatus `db:"status"`
	BookingRef      *string       `db:"booking_ref"`
	RedeemedCount   int           `db:"redeemed_count"`
	LastRedeemedUTC *time.Time    `db:"last_redeemed_utc"`
}

// ExpiresUTC is exactly created + duration. Derived, not stored; the
// SQL expiry sweep computes the same arithmetic.
func (v *Voucher) ExpiresUTC() time.Time {
	return v.CreatedUTC.Add(time.Duration(v.DurationMinutes) * time.Minute)
}

// Validate checks voucher field invariants.
func (v *Voucher) Validate() error {
	if l := len(v.Code); l < VoucherLengthMin || l > VoucherLengthMax {
		return fmt.Errorf("voucher code length must be %d-%d, got %d", VoucherLengthMin, VoucherLengthMax, l)
	}
	for _, r := range v.Code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return errors.New("voucher code must contain only A-Z and 0-9")
		}
	}
	if v.DurationMinutes <= 0 {
		return errors.New("duration_minutes must be > 0")
	}
	if v.UpKbps != nil && *v.UpKbps < 1 {
		return errors.New("up_kbps must be >= 1 when set")
	}
	if v.DownKbps != nil && *v.DownKbps < 1 {
		return errors.New("down_kbps must be >= 1 when set")
	}
	return nil
}

// GrantStatus is the access grant lifecycle state.
type GrantStatus string

const (
	GrantPending GrantStatus = "pending"
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired"
	GrantRevoked GrantStatus = "revoked"
)

// AccessGrant represents authorized access for a device over a
// minute-aligned window.
type AccessGrant struct {
	ID                uuid.UUID   `db:"id"`
	VoucherCode       *string     `db:"voucher_code"`
	BookingRef        *string     `db:"booking_ref"`
	IntegrationID     *string     `db:"integration_id"`
	UserInputCode     *string     `db:"user_input_code"`
	MAC               string      `db:"mac"`
	SessionToken      *string     `db:"session_token"`
	StartUTC          time.Time   `db:"start_utc"`
	EndUTC            time.Time   `db:"end_utc"`
	ControllerGrantID *string     `db:"controller_grant_id"`
	Status            GrantStatus `db:"status"`
	CreatedUTC        time.Time   `db:"created_utc"`
	UpdatedUTC        time.Time   `db:"updated_utc"`
}

// Identifier returns the voucher code or booking ref keying the grant,
// the pair that duplicate detection is scoped to.
func (g *AccessGrant) Identifier() string {
	if g.VoucherCode != nil {
		return *g.VoucherCode
	}
	if g.BookingRef != nil {
		return *g.BookingRef
	}
	return ""
}

// Terminal reports whether the grant is in a state that admits no
// further controller activity. Extend reactivates EXPIRED, so only
// REVOKED is permanently terminal.
func (g *AccessGrant) Terminal() bool {
	return g.Status == GrantRevoked
}

// Validate checks grant field invariants.
func (g *AccessGrant) Validate() error {
	if strings.TrimSpace(g.MAC) == "" {
		return errors.New("mac is required")
	}
	if g.VoucherCode == nil && g.BookingRef == nil {
		return errors.New("grant requires a voucher code or booking ref")
	}
	if !g.EndUTC.After(g.StartUTC) {
		return errors.New("end_utc must be after start_utc")
	}
	return nil
}

// IdentifierAttr selects which reservation attribute authorizes guests.
type IdentifierAttr string

const (
	AttrSlotCode IdentifierAttr = "slot_code"
	AttrSlotName IdentifierAttr = "slot_name"
	AttrLastFour IdentifierAttr = "last_four"
)

// RentalEvent is a cached reservation-source event. Index 0 is the
// current or outgoing booking, index 1 the incoming one.
type RentalEvent struct {
	ID            int64     `db:"id"`
	IntegrationID string    `db:"integration_id"`
	EventIndex    int       `db:"event_index"`
	SlotName      *string   `db:"slot_name"`
	SlotCode      *string   `db:"slot_code"`
	LastFour      *string   `db:"last_four"`
	StartUTC      time.Time `db:"start_utc"`
	EndUTC        time.Time `db:"end_utc"`
	RawAttributes string    `db:"raw_attributes"`
	CreatedUTC    time.Time `db:"created_utc"`
	UpdatedUTC    time.Time `db:"updated_utc"`
}

// AuthIdentifier selects the authorization identifier for the event:
// the configured attribute first, then slot_code, then slot_name.
// Returns "" when no identifier is available and the event is unusable.
func (e *RentalEvent) AuthIdentifier(attr IdentifierAttr) string {
	pick := func(a IdentifierAttr) string {
		switch a {
		case AttrSlotCode:
			if e.SlotCode != nil {
				return *e.SlotCode
			}
		case AttrSlotName:
			if e.SlotName != nil {
				return *e.SlotName
			}
		case AttrLastFour:
			if e.LastFour != nil {
				return *e.LastFour
			}
		}
		return ""
	}
	if id := pick(attr); id != "" {
		return id
	}
	if attr != AttrSlotCode {
		if id := pick(AttrSlotCode); id != "" {
			return id
		}
	}
	if attr != AttrSlotName {
		if id := pick(AttrSlotName); id != "" {
			return id
		}
	}
	return ""
}

// Integration grace bounds.
const (
	GraceMinutesMin     = 0
	GraceMinutesMax     = 30
	GraceMinutesDefault = 15
)

// IntegrationConfig is the per-reservation-source configuration.
type IntegrationConfig struct {
	IntegrationID        string         `db:"integration_id"`
	Enabled              bool           `db:"enabled"`
	EntityID             string         `db:"entity_id"`
	AuthAttribute        IdentifierAttr `db:"auth_attribute"`
	CheckoutGraceMinutes int            `db:"checkout_grace_minutes"`
	LastSyncUTC          *time.Time     `db:"last_sync_utc"`
	StaleCount           int            `db:"stale_count"`
}

// Validate checks integration config invariants.
func (c *IntegrationConfig) Validate() error {
	if strings.TrimSpace(c.IntegrationID) == "" {
		return errors.New("integration_id is required")
	}
	switch c.AuthAttribute {
	case AttrSlotCode, AttrSlotName, AttrLastFour:
	default:
		return fmt.Errorf("unknown auth_attribute %q", c.AuthAttribute)
	}
	if c.CheckoutGraceMinutes < GraceMinutesMin || c.CheckoutGraceMinutes > GraceMinutesMax {
		return fmt.Errorf("checkout_grace_minutes must be %d-%d", GraceMinutesMin, GraceMinutesMax)
	}
	return nil
}

// Portal config bounds.
const (
	RateLimitAttemptsMin     = 1
	RateLimitAttemptsMax     = 100
	RateLimitAttemptsDefault = 5
	RateLimitWindowMin       = 10
	RateLimitWindowMax       = 3600
	RateLimitWindowDefault   = 60
)

// PortalConfig is the singleton guest-portal configuration row.
type PortalConfig struct {
	ID                     int    `db:"id"`
	RateLimitAttempts      int    `db:"rate_limit_attempts"`
	RateLimitWindowSeconds int    `db:"rate_limit_window_seconds"`
	SuccessRedirectURL     string `db:"success_redirect_url"`
	VoucherLengthDefault   int    `db:"voucher_length_default"`
}

// DefaultPortalConfig returns the singleton with default values.
func DefaultPortalConfig() PortalConfig {
	return PortalConfig{
		ID:                     1,
		RateLimitAttempts:      RateLimitAttemptsDefault,
		RateLimitWindowSeconds: RateLimitWindowDefault,
		SuccessRedirectURL:     "/guest/welcome",
		VoucherLengthDefault:   VoucherLengthDefault,
	}
}

// Validate checks portal config bounds.
func (c *PortalConfig) Validate() error {
	if c.RateLimitAttempts < RateLimitAttemptsMin || c.RateLimitAttempts > RateLimitAttemptsMax {
		return fmt.Errorf("rate_limit_attempts must be %d-%d", RateLimitAttemptsMin, RateLimitAttemptsMax)
	}
	if c.RateLimitWindowSeconds < RateLimitWindowMin || c.RateLimitWindowSeconds > RateLimitWindowMax {
		return fmt.Errorf("rate_limit_window_seconds must be %d-%d", RateLimitWindowMin, RateLimitWindowMax)
	}
	if c.VoucherLengthDefault < VoucherLengthMin || c.VoucherLengthDefault > VoucherLengthMax {
		return fmt.Errorf("voucher_length_default must be %d-%d", VoucherLengthMin, VoucherLengthMax)
	}
	return nil
}

// Role is an administrative RBAC role.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleAuditor  Role = "auditor"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// AdminAccount is an administrative user.
type AdminAccount struct {
	ID           uuid.UUID  `db:"id"`
	Username     string     `db:"username"`
	Email        string     `db:"email"`
	Role         Role       `db:"role"`
	PasswordHash string     `db:"password_hash"`
	CreatedUTC   time.Time  `db:"created_utc"`
	LastLoginUTC *time.Time `db:"last_login_utc"`
	Active       bool       `db:"active"`
}

// AdminSession is a server-side admin session with idle and absolute
// timeouts. The session id doubles as the cookie value.
type AdminSession struct {
	ID              uuid.UUID `db:"id"`
	AdminID         uuid.UUID `db:"admin_id"`
	CreatedUTC      time.Time `db:"created_utc"`
	LastActivityUTC time.Time `db:"last_activity_utc"`
	ExpiresUTC      time.Time `db:"expires_utc"`
	IPAddress       *string   `db:"ip_address"`
	UserAgent       *string   `db:"user_agent"`
}

// AuditOutcome is the recorded result of an audited operation.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// AuditEntry is one append-only audit record. No code path updates or
// deletes rows of this type.
type AuditEntry struct {
	ID            uuid.UUID    `db:"id"`
	TimestampUTC  time.Time    `db:"timestamp_utc"`
	Actor         string       `db:"actor"`
	RoleSnapshot  string       `db:"role_snapshot"`
	Action        string       `db:"action"`
	TargetType    string       `db:"target_type"`
	TargetID      string       `db:"target_id"`
	Outcome       AuditOutcome `db:"outcome"`
	CorrelationID string       `db:"correlation_id"`
	Meta          string       `db:"meta"`
}
