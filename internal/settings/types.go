package settings

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Category is a notification kind a recipient can opt out of.
type Category string

const (
	Normal   Category = "normal"
	Highroom Category = "highroom"
	Manual   Category = "manual"
)

// Categories lists every known category in display order.
var Categories = []Category{Normal, Highroom, Manual}

var (
	ErrNotFound        = errors.New("recipient not found")
	ErrUnknownCategory = errors.New("unknown category")
)

// ParseCategory validates s.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case Normal, Highroom, Manual:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

type Preferences struct {
	Normal   bool `json:"normal"`
	Highroom bool `json:"highroom"`
	Manual   bool `json:"manual"`
}

// DefaultPreferences enables everything.
func DefaultPreferences() Preferences {
	return Preferences{Normal: true, Highroom: true, Manual: true}
}

// Enabled reports the flag for c. Unknown categories are never enabled.
func (p Preferences) Enabled(c Category) bool {
	switch c {
	case Normal:
		return p.Normal
	case Highroom:
		return p.Highroom
	case Manual:
		return p.Manual
	}
	return false
}

// Flip inverts exactly one flag.
func (p *Preferences) Flip(c Category) error {
	switch c {
	case Normal:
		p.Normal = !p.Normal
	case Highroom:
		p.Highroom = !p.Highroom
	case Manual:
		p.Manual = !p.Manual
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	return nil
}

// Recipient is a Telegram chat that receives broadcasts.
// ID is the storage key and is not part of the JSON payload.
type Recipient struct {
	ID          string       `json:"-"`
	DisplayName string       `json:"username"`
	Preferences *Preferences `json:"settings,omitempty"`
}

// Settings returns stored preferences, or defaults for legacy records.
func (r Recipient) Settings() Preferences {
	if r.Preferences == nil {
		return DefaultPreferences()
	}
	return *r.Preferences
}

// Clone deep-copies r so callers never share the Preferences pointer.
func (r Recipient) Clone() Recipient {
	if r.Preferences != nil {
		p := *r.Preferences
		r.Preferences = &p
	}
	return r
}

func encodeRecipient(r Recipient) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode recipient %s: %w", r.ID, err)
	}
	return b, nil
}

func decodeRecipient(id string, payload []byte) (Recipient, error) {
	var r Recipient
	if err := json.Unmarshal(payload, &r); err != nil {
		return Recipient{}, fmt.Errorf("decode recipient %s: %w", id, err)
	}
	r.ID = id
	return r, nil
}
