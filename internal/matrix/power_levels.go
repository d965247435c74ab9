package matrix

import (
	"encoding/json"
	"math"
)

// Matrix defaults for absent power-level fields.
const (
	defaultStateLevel  = 50
	defaultRedactLevel = 50
)

// PowerLevels is the content of m.room.power_levels. Pointer fields tell
// "not set" apart from an explicit zero so server defaults survive a
// read-modify-write. Keys the bot does not model are kept verbatim and
// written back untouched.
//
// Only numeric levels are decoded. A string or null level (legal in older
// room versions) is treated as absent and preserved as-is for write-back.
type PowerLevels struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  *int           `json:"users_default,omitempty"`
	Events        map[string]int `json:"events,omitempty"`
	EventsDefault *int           `json:"events_default,omitempty"`
	StateDefault  *int           `json:"state_default,omitempty"`
	Invite        *int           `json:"invite,omitempty"`
	Kick          *int           `json:"kick,omitempty"`
	Ban           *int           `json:"ban,omitempty"`
	Redact        *int           `json:"redact,omitempty"`

	extra map[string]json.RawMessage
	// non-numeric entries of the users and events maps, keyed by map name
	odd map[string]map[string]json.RawMessage
}

type powerLevelsAlias PowerLevels

var knownPowerLevelKeys = []string{
	"users", "users_default", "events", "events_default",
	"state_default", "invite", "kick", "ban", "redact",
}

// parseLevel accepts a finite JSON number and rejects everything else.
func parseLevel(b json.RawMessage) (int, bool) {
	var f *float64
	if err := json.Unmarshal(b, &f); err != nil || f == nil {
		return 0, false
	}
	if math.IsNaN(*f) || math.IsInf(*f, 0) {
		return 0, false
	}
	return int(*f), true
}

// UnmarshalJSON decodes the numeric fields and stashes everything else.
func (pl *PowerLevels) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out PowerLevels
	out.Users = out.levelMap(raw, "users")
	out.Events = out.levelMap(raw, "events")
	for key, dst := range map[string]**int{
		"users_default":  &out.UsersDefault,
		"events_default": &out.EventsDefault,
		"state_default":  &out.StateDefault,
		"invite":         &out.Invite,
		"kick":           &out.Kick,
		"ban":            &out.Ban,
		"redact":         &out.Redact,
	} {
		v, ok := raw[key]
		if !ok {
			continue
		}
		if n, ok := parseLevel(v); ok {
			*dst = &n
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		out.extra = raw
	}
	*pl = out
	return nil
}

// levelMap pulls the numeric entries of raw[key] and keeps the rest in odd.
// A value that is not an object stays in raw and is written back verbatim.
func (pl *PowerLevels) levelMap(raw map[string]json.RawMessage, key string) map[string]int {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(v, &entries); err != nil {
		return nil
	}
	delete(raw, key)
	if entries == nil {
		return nil
	}
	levels := make(map[string]int, len(entries))
	for k, e := range entries {
		if n, ok := parseLevel(e); ok {
			levels[k] = n
			continue
		}
		if pl.odd == nil {
			pl.odd = make(map[string]map[string]json.RawMessage)
		}
		if pl.odd[key] == nil {
			pl.odd[key] = make(map[string]json.RawMessage)
		}
		pl.odd[key][k] = e
	}
	return levels
}

// MarshalJSON writes the known fields merged with the preserved extras.
// Numeric entries win over preserved non-numeric ones for the same key.
func (pl PowerLevels) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(powerLevelsAlias(pl))
	if err != nil || (len(pl.extra) == 0 && len(pl.odd) == 0) {
		return known, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	merged := make(map[string]json.RawMessage, len(pl.extra)+len(fields))
	for k, v := range pl.extra {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	for key, odd := range pl.odd {
		combined := make(map[string]json.RawMessage, len(odd))
		for k, v := range odd {
			combined[k] = v
		}
		if v, ok := fields[key]; ok {
			var numeric map[string]json.RawMessage
			if err := json.Unmarshal(v, &numeric); err != nil {
				return nil, err
			}
			for k, n := range numeric {
				combined[k] = n
			}
		}
		b, err := json.Marshal(combined)
		if err != nil {
			return nil, err
		}
		merged[key] = b
	}
	return json.Marshal(merged)
}

// UserLevel returns the user's explicit level, else users_default, else 0.
func (pl *PowerLevels) UserLevel(userID string) int {
	if level, ok := pl.Users[userID]; ok {
		return level
	}
	if pl.UsersDefault != nil {
		return *pl.UsersDefault
	}
	return 0
}

// SetUserLevel sets the level for userID, initializing the map if needed.
func (pl *PowerLevels) SetUserLevel(userID string, level int) {
	if pl.Users == nil {
		pl.Users = make(map[string]int)
	}
	pl.Users[userID] = level
}

// EventLevel returns the level required to send a message-like event of
// eventType: the explicit events entry, else events_default, else 0.
func (pl *PowerLevels) EventLevel(eventType string) int {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	if pl.EventsDefault != nil {
		return *pl.EventsDefault
	}
	return 0
}

// StateEventLevel returns the level required to send state of eventType:
// the explicit events entry, else state_default, else 50.
func (pl *PowerLevels) StateEventLevel(eventType string) int {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	if pl.StateDefault != nil {
		return *pl.StateDefault
	}
	return defaultStateLevel
}

// RedactLevel returns the level required to redact other users' events.
func (pl *PowerLevels) RedactLevel() int {
	if pl.Redact != nil {
		return *pl.Redact
	}
	return defaultRedactLevel
}
