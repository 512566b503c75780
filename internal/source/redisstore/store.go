// Package redisstore keeps per-entity event timelines in Redis sorted sets.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"funnelscope/pkg/models"
)

// Config configures Redis access for the event store.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store writes and reads entity timelines.
//
// Layout under the key prefix:
//
//	seq                          arrival counter
//	projects                     set of project names
//	entities:<project>           set of entity ids
//	events:<project>:<entity>    zset, score = unix ms, member = "<seq>|<json>"
//	members:<population>:<entity> zset, score = joined ms, member = "<joined>|<left>"
type Store struct {
	client *redis.Client
	prefix string
}

// storedEvent is the member payload; project and entity live in the key.
type storedEvent struct {
	Name       string            `json:"event"`
	Properties models.Properties `json:"properties,omitempty"`
}

const readBatch = 256

// NewStore connects and pings the server.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "funnelscope"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis event store: %w", err)
	}

	return &Store{client: client, prefix: strings.TrimSpace(cfg.KeyPrefix)}, nil
}

// WriteEvents appends events to their entity timelines in one pipeline.
func (s *Store) WriteEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	last, err := s.client.IncrBy(ctx, s.seqKey(), int64(len(events))).Result()
	if err != nil {
		return fmt.Errorf("reserve event sequence: %w", err)
	}
	first := last - int64(len(events)) + 1

	pipe := s.client.Pipeline()
	for i, ev := range events {
		entity := strings.TrimSpace(ev.EntityID)
		if entity == "" {
			continue
		}
		member, err := encodeEvent(first+int64(i), ev)
		if err != nil {
			return err
		}
		pipe.SAdd(ctx, s.projectsKey(), ev.Project)
		pipe.SAdd(ctx, s.entitiesKey(ev.Project), entity)
		pipe.ZAdd(ctx, s.eventsKey(ev.Project, entity), redis.Z{Score: float64(ev.Millis()), Member: member})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write event timelines: %w", err)
	}
	return nil
}

// WriteMemberships records population memberships.
func (s *Store) WriteMemberships(ctx context.Context, members []models.Membership) error {
	if len(members) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, m := range members {
		joined := m.Joined.UnixMilli()
		pipe.ZAdd(ctx, s.membersKey(m.PopulationID, m.EntityID), redis.Z{
			Score:  float64(joined),
			Member: encodeMembership(m),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write memberships: %w", err)
	}
	return nil
}

// Timelines returns the events matching q grouped per entity.
func (s *Store) Timelines(ctx context.Context, q models.TimelineQuery) ([]models.Timeline, error) {
	projects := []string{q.Project}
	if q.Project == "" {
		all, err := s.client.SMembers(ctx, s.projectsKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("read projects: %w", err)
		}
		sort.Strings(all)
		projects = all
	}

	names := make(map[string]struct{}, len(q.EventNames))
	for _, n := range q.EventNames {
		names[n] = struct{}{}
	}
	rangeBy := scoreRange(q.Range)

	events := make([]models.Event, 0, 256)
	for _, project := range projects {
		entities, err := s.client.SMembers(ctx, s.entitiesKey(project)).Result()
		if err != nil {
			return nil, fmt.Errorf("read entities of %q: %w", project, err)
		}
		sort.Strings(entities)

		for start := 0; start < len(entities); start += readBatch {
			end := start + readBatch
			if end > len(entities) {
				end = len(entities)
			}
			batch := entities[start:end]

			pipe := s.client.Pipeline()
			cmds := make([]*redis.StringSliceCmd, len(batch))
			for i, entity := range batch {
				cmds[i] = pipe.ZRangeByScore(ctx, s.eventsKey(project, entity), rangeBy)
			}
			if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
				return nil, fmt.Errorf("read event timelines: %w", err)
			}

			for i, cmd := range cmds {
				for _, member := range cmd.Val() {
					ev, ok := decodeEvent(member)
					if !ok {
						continue
					}
					if len(names) > 0 {
						if _, keep := names[ev.Name]; !keep {
							continue
						}
					}
					ev.Project = project
					ev.EntityID = batch[i]
					events = append(events, ev)
				}
			}
		}
	}

	// Range bounds are whole milliseconds on the wire; re-check sub-ms bounds.
	filtered := events[:0]
	for _, ev := range events {
		if q.Range.Contains(ev.Timestamp) {
			filtered = append(filtered, ev)
		}
	}
	return models.GroupTimelines(filtered), nil
}

// IsMember reports whether the entity belonged to the population at asOf.
func (s *Store) IsMember(ctx context.Context, populationID, entityID string, asOf time.Time) (bool, error) {
	at := asOf.UnixMilli()
	spans, err := s.client.ZRangeByScore(ctx, s.membersKey(populationID, entityID), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(at, 10),
	}).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("check membership %s/%s: %w", populationID, entityID, err)
	}
	for _, span := range spans {
		m, ok := decodeMembership(span)
		if ok && m.ActiveAt(asOf) {
			return true, nil
		}
	}
	return false, nil
}

// Close closes Redis resources.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) seqKey() string {
	return s.prefix + ":seq"
}

func (s *Store) projectsKey() string {
	return s.prefix + ":projects"
}

func (s *Store) entitiesKey(project string) string {
	return s.prefix + ":entities:" + project
}

func (s *Store) eventsKey(project, entity string) string {
	return s.prefix + ":events:" + project + ":" + entity
}

func (s *Store) membersKey(population, entity string) string {
	return s.prefix + ":members:" + population + ":" + entity
}

func scoreRange(r models.DateRange) *redis.ZRangeBy {
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !r.From.IsZero() {
		by.Min = strconv.FormatInt(r.From.UnixMilli(), 10)
	}
	if !r.To.IsZero() {
		by.Max = strconv.FormatInt(r.To.UnixMilli(), 10)
	}
	return by
}

// encodeEvent zero-pads the sequence so that members sharing a score sort in
// arrival order.
func encodeEvent(seq int64, ev models.Event) (string, error) {
	payload, err := json.Marshal(storedEvent{Name: ev.Name, Properties: ev.Properties})
	if err != nil {
		return "", fmt.Errorf("encode event for %s: %w", ev.EntityID, err)
	}
	return fmt.Sprintf("%020d|%d|%s", seq, ev.Millis(), payload), nil
}

func decodeEvent(member string) (models.Event, bool) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return models.Event{}, false
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return models.Event{}, false
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return models.Event{}, false
	}
	var stored storedEvent
	if err := json.Unmarshal([]byte(parts[2]), &stored); err != nil {
		return models.Event{}, false
	}
	return models.Event{
		Name:       stored.Name,
		Timestamp:  time.UnixMilli(ms).UTC(),
		Properties: stored.Properties,
		Seq:        seq,
	}, true
}

func encodeMembership(m models.Membership) string {
	left := int64(0)
	if !m.Left.IsZero() {
		left = m.Left.UnixMilli()
	}
	return strconv.FormatInt(m.Joined.UnixMilli(), 10) + "|" + strconv.FormatInt(left, 10)
}

func decodeMembership(member string) (models.Membership, bool) {
	parts := strings.SplitN(member, "|", 2)
	if len(parts) != 2 {
		return models.Membership{}, false
	}
	joined, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return models.Membership{}, false
	}
	left, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return models.Membership{}, false
	}
	m := models.Membership{Joined: time.UnixMilli(joined).UTC()}
	if left != 0 {
		m.Left = time.UnixMilli(left).UTC()
	}
	return m, true
}
