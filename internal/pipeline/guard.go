package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ticket identifies a run's claim on an issue. A later Begin for the same
// issue supersedes it.
type Ticket struct {
	IssueID    string
	Generation int64
}

// Guard tracks the newest run per issue so a run can notice, between
// stages, that a newer event for the same issue has started.
type Guard interface {
	Begin(ctx context.Context, issueID string) (Ticket, error)
	Current(ctx context.Context, t Ticket) (bool, error)
	// End releases a finished run's claim
	End(ctx context.Context, t Ticket) error
}

// MemoryGuard is a process-local Guard. It holds an entry only for issues
// with a run in progress.
type MemoryGuard struct {
	mu   sync.Mutex
	next int64
	gens map[string]int64
}

// NewMemoryGuard creates an empty guard
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{gens: make(map[string]int64)}
}

// Begin hands out generations from one counter shared by all issues, so a
// generation is never reused after an entry is released.
func (g *MemoryGuard) Begin(_ context.Context, issueID string) (Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	g.gens[issueID] = g.next
	return Ticket{IssueID: issueID, Generation: g.next}, nil
}

// Current reports false for a ticket whose entry is gone: only the newest
// run releases the entry, so a newer run has both started and finished.
func (g *MemoryGuard) Current(_ context.Context, t Ticket) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gen, ok := g.gens[t.IssueID]
	return ok && gen == t.Generation, nil
}

// End drops the issue's entry when t is still the newest run for it
func (g *MemoryGuard) End(_ context.Context, t Ticket) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gens[t.IssueID] == t.Generation {
		delete(g.gens, t.IssueID)
	}
	return nil
}

// Len returns the number of issues with a run in progress
func (g *MemoryGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gens)
}

// RedisGuard shares generations between server instances through Redis
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard storing one counter per issue under prefix.
// Counters expire ttl after the newest run started.
func NewRedisGuard(client *redis.Client, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "triage:run-generation:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) key(issueID string) string {
	return g.prefix + issueID
}

func (g *RedisGuard) Begin(ctx context.Context, issueID string) (Ticket, error) {
	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, g.key(issueID))
	pipe.Expire(ctx, g.key(issueID), g.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Ticket{}, fmt.Errorf("starting run generation for %s: %w", issueID, err)
	}
	return Ticket{IssueID: issueID, Generation: incr.Val()}, nil
}

func (g *RedisGuard) Current(ctx context.Context, t Ticket) (bool, error) {
	val, err := g.client.Get(ctx, g.key(t.IssueID)).Result()
	if errors.Is(err, redis.Nil) {
		// Expired counter: nothing newer can have started since.
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading run generation for %s: %w", t.IssueID, err)
	}
	gen, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt run generation for %s: %q", t.IssueID, val)
	}
	return gen == t.Generation, nil
}

// End is a no-op: counters expire after ttl, and deleting one early would
// let INCR hand a stale run's generation to a new run.
func (g *RedisGuard) End(context.Context, Ticket) error {
	return nil
}
