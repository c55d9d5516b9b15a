package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// ListCascadeEvents returns the most recent cascade events, newest first,
// optionally restricted to one entity or one commit.
func ListCascadeEvents(ctx context.Context, s *Store, entity, commitID string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	pb := s.Dialect.NewParamBuilder()
	var where []string
	if entity != "" {
		where = append(where, "entity = "+pb.Add(entity))
	}
	if commitID != "" {
		where = append(where, "commit_id = "+pb.Add(commitID))
	}

	query := "SELECT id, commit_id, cause, root, entity, record_id, mode, created_at FROM _cascade_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %s", pb.Add(limit))

	rows, err := QueryRows(ctx, s.DB, query, pb.Params()...)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

// PurgeCascadeEvents deletes cascade events recorded before the given time
// and returns how many rows were removed.
func PurgeCascadeEvents(ctx context.Context, s *Store, before time.Time) (int64, error) {
	pb := s.Dialect.NewParamBuilder()
	query := "DELETE FROM _cascade_events WHERE created_at < " + pb.Add(s.Dialect.TimeParam(before))
	n, err := Exec(ctx, s.DB, query, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("purge cascade events: %w", err)
	}
	return n, nil
}

// EventRetention periodically purges cascade events older than a fixed age.
type EventRetention struct {
	store  *Store
	maxAge time.Duration
	ticker *time.Ticker
	done   chan struct{}
	now    func() time.Time
}

func NewEventRetention(s *Store, days int) *EventRetention {
	return &EventRetention{
		store:  s,
		maxAge: time.Duration(days) * 24 * time.Hour,
		now:    time.Now,
	}
}

// Start runs one purge immediately and then one per interval.
func (r *EventRetention) Start(interval time.Duration) {
	r.done = make(chan struct{})
	r.ticker = time.NewTicker(interval)
	go r.run()
	log.Printf("Cascade event retention started (max age: %s, every %s)", r.maxAge, interval)
}

// Stop halts the background ticker.
func (r *EventRetention) Stop() {
	if r.ticker != nil {
		r.ticker.Stop()
	}
	if r.done != nil {
		close(r.done)
	}
}

func (r *EventRetention) run() {
	r.Purge(context.Background())
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			r.Purge(context.Background())
		}
	}
}

// Purge removes the expired events once. Failures are logged.
func (r *EventRetention) Purge(ctx context.Context) int64 {
	n, err := PurgeCascadeEvents(ctx, r.store, r.now().Add(-r.maxAge))
	if err != nil {
		log.Printf("ERROR: cascade event cleanup: %v", err)
		return 0
	}
	if n > 0 {
		log.Printf("Cascade event cleanup: deleted %d old events", n)
	}
	return n
}
