// Package model contains domain models passed between layers.
package model

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Event is a named action performed by a subject. Events are transient: they
// live for the duration of the evaluation they trigger and are never stored.
type Event struct {
	ID         string         // optional; used for ingestion idempotency only
	Name       string         // action name, e.g. "login", "comment.created"
	SubjectID  string         // subject accumulating reputation
	Payload    map[string]any // arbitrary attributes of the action
	OccurredAt time.Time      // when the action happened
}

// Attr returns the payload value stored under key.
func (e Event) Attr(key string) (any, bool) {
	if e.Payload == nil {
		return nil, false
	}
	v, ok := e.Payload[key]
	return v, ok
}

// AttrString returns the payload value under key rendered as a string.
func (e Event) AttrString(key string) (string, bool) {
	v, ok := e.Attr(key)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case fmt.Stringer:
		return t.String(), true
	default:
		return fmt.Sprint(t), true
	}
}

// AttrInt64 returns the payload value under key as an int64. Numbers decoded
// from JSON arrive as float64, so those are truncated toward zero. Floats
// outside the int64 range, NaN and infinities are ErrAttrType.
func (e Event) AttrInt64(key string) (int64, error) {
	v, ok := e.Attr(key)
	if !ok {
		return 0, fmt.Errorf("payload key %q: %w", key, ErrMissingAttr)
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float32:
		return floatToInt64(key, float64(t))
	case float64:
		return floatToInt64(key, t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("payload key %q: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("payload key %q has type %T: %w", key, v, ErrAttrType)
	}
}

// -2^63 and 2^63 are exact in float64.
const (
	minInt64Float = -(1 << 63)
	maxInt64Float = 1 << 63
)

func floatToInt64(key string, f float64) (int64, error) {
	if math.IsNaN(f) || f < minInt64Float || f >= maxInt64Float {
		return 0, fmt.Errorf("payload key %q: %v out of int64 range: %w", key, f, ErrAttrType)
	}
	return int64(f), nil
}

// Clone returns a copy of the event with its own payload map.
func (e Event) Clone() Event {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	return out
}
