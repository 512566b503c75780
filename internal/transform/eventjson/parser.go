// Package eventjson decodes JSON ingest records into events and
// population memberships.
package eventjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"funnelscope/pkg/models"
)

// ErrMissingField marks a record without a required field.
var ErrMissingField = errors.New("missing required field")

// Record is one decoded ingest line. Exactly one of Event and Membership is set.
type Record struct {
	Event      *models.Event
	Membership *models.Membership
}

var (
	entityPaths     = []string{"entity_id", "distinct_id", "person_id", "user_id"}
	namePaths       = []string{"event", "name", "event_name"}
	timestampPaths  = []string{"timestamp", "@timestamp", "event_time", "time", "ts"}
	projectPaths    = []string{"project", "project_id", "team"}
	populationPaths = []string{"population_id", "cohort_id"}
)

// Parse decodes a single JSON object. Records carrying a population id are
// memberships; everything else is an event.
func Parse(data []byte) (*Record, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	entity := strings.TrimSpace(getString(raw, entityPaths...))
	if entity == "" {
		return nil, fmt.Errorf("%w: entity_id", ErrMissingField)
	}

	if population := strings.TrimSpace(getString(raw, populationPaths...)); population != "" {
		m, err := parseMembership(raw, population, entity)
		if err != nil {
			return nil, err
		}
		return &Record{Membership: m}, nil
	}

	name := strings.TrimSpace(getString(raw, namePaths...))
	if name == "" {
		return nil, fmt.Errorf("%w: event", ErrMissingField)
	}
	ts, ok := getTime(raw, timestampPaths...)
	if !ok {
		return nil, fmt.Errorf("%w: timestamp", ErrMissingField)
	}

	event := &models.Event{
		Project:   strings.TrimSpace(getString(raw, projectPaths...)),
		EntityID:  entity,
		Name:      name,
		Timestamp: ts,
	}
	if v, ok := getPath(raw, "properties"); ok {
		if m, ok := v.(map[string]interface{}); ok && len(m) > 0 {
			event.Properties = models.Properties(m)
		}
	}
	return &Record{Event: event}, nil
}

func parseMembership(raw map[string]interface{}, population, entity string) (*models.Membership, error) {
	joined, ok := getTime(raw, "joined", "joined_at", "timestamp")
	if !ok {
		return nil, fmt.Errorf("%w: joined", ErrMissingField)
	}
	m := &models.Membership{PopulationID: population, EntityID: entity, Joined: joined}
	if left, ok := getTime(raw, "left", "left_at"); ok {
		m.Left = left
	}
	return m, nil
}

// parseTime accepts RFC 3339 text, a few space-separated layouts read as UTC,
// and epoch milliseconds as a number or digit string.
func parseTime(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(val)).UTC(), true
	case string:
		value := strings.TrimSpace(val)
		if value == "" {
			return time.Time{}, false
		}
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, value); err == nil {
				return t.UTC(), true
			}
		}
		for _, layout := range []string{
			"2006-01-02 15:04:05.000000",
			"2006-01-02 15:04:05.000",
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"2006-01-02",
		} {
			if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func getTime(root map[string]interface{}, paths ...string) (time.Time, bool) {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			if t, ok := parseTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch v.(type) {
			case string, float64, bool:
				if s := models.FormatValue(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = root
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok || v == nil {
			return nil, false
		}
		current = v
	}
	return current, true
}
