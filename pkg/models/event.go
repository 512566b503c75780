package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Properties holds the attributes attached to an event.
type Properties map[string]interface{}

// Event represents one timestamped action performed by an entity.
type Event struct {
	Project    string     `json:"project,omitempty"`
	EntityID   string     `json:"entity_id"`
	Name       string     `json:"event"`
	Timestamp  time.Time  `json:"timestamp"`
	Properties Properties `json:"properties,omitempty"`

	// Seq is the arrival order assigned by the store; it breaks timestamp ties.
	Seq int64 `json:"-"`
}

// Millis returns the event timestamp in unix milliseconds.
func (e *Event) Millis() int64 {
	return e.Timestamp.UnixMilli()
}

// Property returns a property value formatted as a string.
func (e *Event) Property(name string) string {
	if e == nil {
		return ""
	}
	return e.Properties.String(name)
}

// Lookup resolves a property by key. Dotted keys walk nested objects when
// no property with the literal key exists.
func (p Properties) Lookup(key string) (interface{}, bool) {
	if p == nil {
		return nil, false
	}
	if v, ok := p[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	var current interface{} = map[string]interface{}(p)
	for _, part := range strings.Split(key, ".") {
		var m map[string]interface{}
		switch val := current.(type) {
		case map[string]interface{}:
			m = val
		case Properties:
			m = val
		default:
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

// String returns a property value formatted as a string, or "" when unset.
func (p Properties) String(key string) string {
	v, ok := p.Lookup(key)
	if !ok {
		return ""
	}
	return FormatValue(v)
}

// FormatValue renders a scalar property value the way it is compared and grouped.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}
