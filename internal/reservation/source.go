// Package reservation polls the reservation source and projects its
// events into the local cache the booking validator reads.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rentalnet/guestgate/internal/config"
)

// maxEventIndex bounds the per-integration event walk. Indexes 0 and 1
// are the ones the validator cares about; a couple more are kept for
// lookahead.
const maxEventIndex = 4

// ErrNoState marks an entity the source does not know.
var ErrNoState = errors.New("reservation: entity has no state")

// EventState is one reservation event as the source reports it.
type EventState struct {
	Index         int
	SlotCode      string
	SlotName      string
	LastFour      string
	Start         time.Time
	End           time.Time
	RawAttributes map[string]any
}

// sourceState is the wire shape of one entity state.
type sourceState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// Client fetches entity states from the reservation source API.
type Client struct {
	cfg  config.ReservationConfig
	http *http.Client
}

// NewClient builds a reservation source client.
func NewClient(cfg config.ReservationConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// FetchEvents walks the indexed event entities for one integration,
// entity ids of the form <prefix>_<index>, and stops at the first
// index the source does not know. An integration with no bookings
// yields an empty slice, not an error.
func (c *Client) FetchEvents(ctx context.Context, entityPrefix string) ([]EventState, error) {
	var out []EventState
	for i := 0; i < maxEventIndex; i++ {
		st, err := c.fetchState(ctx, fmt.Sprintf("%s_%d", entityPrefix, i))
		if err != nil {
			if errors.Is(err, ErrNoState) {
				break
			}
			return nil, err
		}
		ev, err := parseEvent(i, st)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (c *Client) fetchState(ctx context.Context, entityID string) (*sourceState, error) {
	u, err := url.JoinPath(c.cfg.BaseURL, "api/states", entityID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reservation: fetch %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNoState
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("reservation: fetch %s: http status %d", entityID, resp.StatusCode)
	}

	var st sourceState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("reservation: decode %s: %w", entityID, err)
	}
	return &st, nil
}

// parseEvent maps a state onto an event. States without a usable
// window are skipped (nil, nil); unparseable times are errors.
func parseEvent(index int, st *sourceState) (*EventState, error) {
	attrs := st.Attributes
	if attrs == nil {
		return nil, nil
	}

	start, okStart, err := timeAttr(attrs, "start")
	if err != nil {
		return nil, err
	}
	end, okEnd, err := timeAttr(attrs, "end")
	if err != nil {
		return nil, err
	}
	if !okStart || !okEnd {
		return nil, nil
	}

	return &EventState{
		Index:         index,
		SlotCode:      stringAttr(attrs, "slot_code"),
		SlotName:      stringAttr(attrs, "slot_name"),
		LastFour:      stringAttr(attrs, "last_four"),
		Start:         start,
		End:           end,
		RawAttributes: attrs,
	}, nil
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

// timeLayouts are the formats the source has been seen emitting.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func timeAttr(attrs map[string]any, key string) (time.Time, bool, error) {
	raw, ok := attrs[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("reservation: unparseable %s time %q", key, raw)
}
