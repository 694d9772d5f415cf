package domain

import (
	"strings"
	"testing"
	"time"
)

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

func TestVoucherExpires(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC)
	v := &Voucher{Code: "ABCD123456", CreatedUTC: created, DurationMinutes: 120}
	want := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	if got := v.ExpiresUTC(); !got.Equal(want) {
		t.Errorf("ExpiresUTC = %v, want %v", got, want)
	}
}

func TestVoucherValidate(t *testing.T) {
	tests := []struct {
		name    string
		voucher Voucher
		wantErr bool
	}{
		{"valid", Voucher{Code: "ABCD", DurationMinutes: 60}, false},
		{"length 3", Voucher{Code: "ABC", DurationMinutes: 60}, true},
		{"length 4", Voucher{Code: "ABCD", DurationMinutes: 60}, false},
		{"length 24", Voucher{Code: strings.Repeat("A", 24), DurationMinutes: 60}, false},
		{"length 25", Voucher{Code: strings.Repeat("A", 25), DurationMinutes: 60}, true},
		{"lowercase", Voucher{Code: "abcd", DurationMinutes: 60}, true},
		{"symbol", Voucher{Code: "AB-D", DurationMinutes: 60}, true},
		{"zero duration", Voucher{Code: "ABCD", DurationMinutes: 0}, true},
		{"zero up_kbps", Voucher{Code: "ABCD", DurationMinutes: 60, UpKbps: intptr(0)}, true},
		{"valid kbps", Voucher{Code: "ABCD", DurationMinutes: 60, UpKbps: intptr(1), DownKbps: intptr(1024)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.voucher.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGrantValidate(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	g := AccessGrant{MAC: "AA:BB:CC:DD:EE:FF", VoucherCode: strptr("ABCD"), StartUTC: start, EndUTC: end}
	if err := g.Validate(); err != nil {
		t.Errorf("valid grant rejected: %v", err)
	}

	g2 := g
	g2.VoucherCode = nil
	if err := g2.Validate(); err == nil {
		t.Error("grant without identifier accepted")
	}
	g2.BookingRef = strptr("BOOK-1")
	if err := g2.Validate(); err != nil {
		t.Errorf("booking grant rejected: %v", err)
	}

	g3 := g
	g3.EndUTC = g3.StartUTC
	if err := g3.Validate(); err == nil {
		t.Error("grant with end == start accepted")
	}

	g4 := g
	g4.MAC = "  "
	if err := g4.Validate(); err == nil {
		t.Error("grant without mac accepted")
	}
}

func TestGrantIdentifier(t *testing.T) {
	g := AccessGrant{VoucherCode: strptr("ABCD")}
	if g.Identifier() != "ABCD" {
		t.Errorf("Identifier = %q, want ABCD", g.Identifier())
	}
	g = AccessGrant{BookingRef: strptr("4821")}
	if g.Identifier() != "4821" {
		t.Errorf("Identifier = %q, want 4821", g.Identifier())
	}
}

func TestEventAuthIdentifierFallback(t *testing.T) {
	ev := RentalEvent{SlotCode: strptr("4821"), SlotName: strptr("Jane Guest"), LastFour: strptr("1234")}

	tests := []struct {
		attr IdentifierAttr
		want string
	}{
		{AttrSlotCode, "4821"},
		{AttrSlotName, "Jane Guest"},
		{AttrLastFour, "1234"},
	}
	for _, tt := range tests {
		if got := ev.AuthIdentifier(tt.attr); got != tt.want {
			t.Errorf("AuthIdentifier(%s) = %q, want %q", tt.attr, got, tt.want)
		}
	}

	// Configured attribute missing: fall back to slot_code, then slot_name.
	ev2 := RentalEvent{SlotName: strptr("Jane Guest")}
	if got := ev2.AuthIdentifier(AttrLastFour); got != "Jane Guest" {
		t.Errorf("fallback = %q, want slot_name", got)
	}

	ev3 := RentalEvent{}
	if got := ev3.AuthIdentifier(AttrSlotCode); got != "" {
		t.Errorf("empty event yielded identifier %q", got)
	}
}

func TestIntegrationConfigValidate(t *testing.T) {
	c := IntegrationConfig{IntegrationID: "rc1", AuthAttribute: AttrSlotCode, CheckoutGraceMinutes: 15}
	if err := c.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	c.CheckoutGraceMinutes = 31
	if err := c.Validate(); err == nil {
		t.Error("grace 31 accepted")
	}
	c.CheckoutGraceMinutes = 0
	if err := c.Validate(); err != nil {
		t.Errorf("grace 0 rejected: %v", err)
	}
	c.AuthAttribute = "guest_phone"
	if err := c.Validate(); err == nil {
		t.Error("unknown auth attribute accepted")
	}
}

func TestPortalConfigValidate(t *testing.T) {
	c := DefaultPortalConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	c.RateLimitAttempts = 0
	if err := c.Validate(); err == nil {
		t.Error("attempts 0 accepted")
	}
	c = DefaultPortalConfig()
	c.RateLimitWindowSeconds = 5
	if err := c.Validate(); err == nil {
		t.Error("window 5s accepted")
	}
	c = DefaultPortalConfig()
	c.VoucherLengthDefault = 25
	if err := c.Validate(); err == nil {
		t.Error("voucher length 25 accepted")
	}
}
