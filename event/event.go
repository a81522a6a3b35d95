// Package event defines the change-event record that flows from the CRUD
// layer through the broker channel to connected browsers.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// ErrMalformedEvent marks a channel payload that failed to parse or validate.
var ErrMalformedEvent = errors.New("malformed event")

// Kind is the mutation that produced an event.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// Valid reports whether k is one of the recognised kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreated, KindUpdated, KindDeleted:
		return true
	}
	return false
}

// ParseKind converts s into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, s)
	}
	return k, nil
}

// Subject is a snapshot of the affected employee's public fields. The relay
// only looks at the identifier and the display name.
type Subject map[string]any

// ID returns the record identifier, preferring the document-store "_id".
func (s Subject) ID() string {
	for _, key := range []string{"_id", "id"} {
		if v, ok := s[key]; ok && v != nil {
			switch id := v.(type) {
			case string:
				if id != "" {
					return id
				}
			case float64:
				return strconv.FormatFloat(id, 'f', -1, 64)
			default:
				return fmt.Sprint(id)
			}
		}
	}
	return ""
}

// Label returns a human-readable name, falling back to the identifier.
func (s Subject) Label() string {
	if name, ok := s["name"].(string); ok && name != "" {
		return name
	}
	return s.ID()
}

// ChangeEvent is a single created/updated/deleted notification. On the wire
// it is {"type": kind, "data": subject}.
type ChangeEvent struct {
	Kind    Kind    `json:"type" validate:"required,oneof=created updated deleted"`
	Subject Subject `json:"data" validate:"required"`
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s -> %s", e.Kind, e.Subject.Label())
}

var validate = validator.New()

// New builds a validated event.
func New(kind Kind, subject Subject) (ChangeEvent, error) {
	ev := ChangeEvent{Kind: kind, Subject: subject}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// Validate checks the kind and that the subject carries an identifier.
func (e ChangeEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.Subject.ID() == "" {
		return fmt.Errorf("%w: subject has no identifier", ErrMalformedEvent)
	}
	return nil
}

// wireEvent accepts both the publisher's type/data names and the
// kind/subject aliases.
type wireEvent struct {
	Type    Kind    `json:"type"`
	Data    Subject `json:"data"`
	Kind    Kind    `json:"kind"`
	Subject Subject `json:"subject"`
}

// Decode parses and validates a channel payload. Every failure wraps
// ErrMalformedEvent.
func Decode(payload []byte) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := ChangeEvent{Kind: w.Type, Subject: w.Data}
	if ev.Kind == "" {
		ev.Kind = w.Kind
	}
	if ev.Subject == nil {
		ev.Subject = w.Subject
	}
	if err := ev.Validate(); err != nil {
		return ChangeEvent{}, err
	}
	return ev, nil
}

// Encode serialises e in the publisher's wire format.
func Encode(e ChangeEvent) ([]byte, error) {
	return json.Marshal(e)
}
