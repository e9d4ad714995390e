package domain

import (
	"encoding/json"
	"time"
)

// Timestamp is either a resolved instant or a marker asking the store to
// stamp the field with its own clock at write time.
type Timestamp struct {
	Time   time.Time
	server bool
}

// ServerTimestamp returns the store-clock marker.
func ServerTimestamp() Timestamp { return Timestamp{server: true} }

// At returns a resolved timestamp.
func At(t time.Time) Timestamp { return Timestamp{Time: t} }

// IsServer reports whether ts still needs to be resolved by a store.
func (ts Timestamp) IsServer() bool { return ts.server }

// Resolve replaces the marker with now. Resolved values are returned as is.
func (ts Timestamp) Resolve(now time.Time) Timestamp {
	if !ts.server {
		return ts
	}
	return Timestamp{Time: now}
}

// Before orders resolved timestamps. Markers sort after every resolved value.
func (ts Timestamp) Before(other Timestamp) bool {
	switch {
	case ts.server:
		return false
	case other.server:
		return true
	default:
		return ts.Time.Before(other.Time)
	}
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.server || ts.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Time.UTC())
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ts = Timestamp{}
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	*ts = Timestamp{Time: t}
	return nil
}
