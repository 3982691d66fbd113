// Package idempotency implements the Idempotency Cache: deduplication of
// side-effect tool calls by (agent, tool, params) hash, per spec §4.5.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// TTL is the lifetime of a cache entry after creation.
const TTL = 5 * time.Minute

// Status is the lifecycle state of a cached idempotency record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record is one Idempotency Record (spec §3).
type Record struct {
	Key       string
	Status    Status
	Result    any
	CreatedAt time.Time
	ExpiresAt time.Time
}

// sideEffectTools is the fixed enumeration of tools subject to idempotency,
// per spec §4.5 ("fixed enumeration including message sends, task creation,
// schedule creation, approvals, broadcasts").
var sideEffectTools = map[string]bool{
	"sendWhatsApp":   true,
	"sendEmail":      true,
	"sendSMS":        true,
	"createTask":     true,
	"createSchedule": true,
	"createApproval": true,
	"broadcast":      true,
}

// IsSideEffectTool reports whether toolID is subject to idempotency
// deduplication. Callers (e.g. a catalog.Entry) may also mark a tool as a
// side effect explicitly; RegisterSideEffectTool extends the fixed set.
func IsSideEffectTool(toolID string) bool { return sideEffectTools[toolID] }

// RegisterSideEffectTool extends the fixed side-effect tool enumeration,
// intended for wiring a catalog's IsSideEffect-tagged tools in at startup.
func RegisterSideEffectTool(toolID string) { sideEffectTools[toolID] = true }

// Store is the persistence contract for idempotency records, implemented by
// an in-memory Cache here and, for deployments needing a shared cache across
// process restarts, by RedisStore.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Cache is the default in-memory Store implementation.
type Cache struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewCache constructs an empty in-memory Cache.
func NewCache() *Cache {
	return &Cache{records: make(map[string]Record)}
}

func (c *Cache) Get(_ context.Context, key string) (Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(c.records, key)
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (c *Cache) Put(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.Key] = rec
	return nil
}

func (c *Cache) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, rec := range c.records {
		if now.After(rec.ExpiresAt) {
			delete(c.records, k)
			n++
		}
	}
	return n, nil
}

// Service wraps a Store with the Key derivation and pending/completed
// protocol described in spec §4.5 and §4.4 step 1.
type Service struct {
	store Store
}

// NewService constructs a Service backed by store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Key derives the idempotency key: sha256(agent_id, tool_id,
// canonical(params))[0..32] (first 32 hex chars), resolving the Open
// Question on idempotency canonicalization by sorting object keys
// recursively via gjson/sjson before hashing.
func Key(agentID, toolID string, params map[string]any) (string, error) {
	canonical, err := Canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize params: %w", err)
	}
	h := sha256.Sum256([]byte(agentID + "\x1f" + toolID + "\x1f" + canonical))
	return hex.EncodeToString(h[:])[:32], nil
}

// Canonicalize renders params as JSON with all object keys sorted
// recursively and no extraneous whitespace, so that object-key ordering
// instability in the caller cannot split otherwise-identical calls into
// different cache keys.
func Canonicalize(params map[string]any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return canonicalizeValue(gjson.ParseBytes(raw))
}

func canonicalizeValue(v gjson.Result) (string, error) {
	switch {
	case v.IsObject():
		keys := make([]string, 0)
		fields := map[string]gjson.Result{}
		v.ForEach(func(key, value gjson.Result) bool {
			keys = append(keys, key.String())
			fields[key.String()] = value
			return true
		})
		sort.Strings(keys)
		out := "{}"
		var err error
		for _, k := range keys {
			childJSON, cerr := canonicalizeValue(fields[k])
			if cerr != nil {
				return "", cerr
			}
			out, err = sjson.SetRaw(out, escapeSjsonPath(k), childJSON)
			if err != nil {
				return "", err
			}
		}
		return out, nil
	case v.IsArray():
		out := "[]"
		idx := 0
		var err error
		for _, item := range v.Array() {
			childJSON, cerr := canonicalizeValue(item)
			if cerr != nil {
				return "", cerr
			}
			out, err = sjson.SetRaw(out, fmt.Sprintf("%d", idx), childJSON)
			if err != nil {
				return "", err
			}
			idx++
		}
		return out, nil
	default:
		return v.Raw, nil
	}
}

func escapeSjsonPath(key string) string {
	// sjson treats '.' and '*' specially in paths; escape them so object
	// keys containing those characters still round-trip as plain map keys.
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' || key[i] == '*' || key[i] == '?' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

// CheckDuplicate looks up key. It returns (Record{}, false, nil) on a clean
// miss. On a hit with Status=pending, callers must return the "already in
// progress" stub per spec §4.5 rather than replaying. On a hit with
// Status=completed, callers replay Result.
func (s *Service) CheckDuplicate(ctx context.Context, key string) (Record, bool, error) {
	return s.store.Get(ctx, key)
}

// RecordPending marks key as in-flight. Only called for side-effect tools.
func (s *Service) RecordPending(ctx context.Context, key string) error {
	now := time.Now()
	return s.store.Put(ctx, Record{
		Key:       key,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	})
}

// RecordComplete marks key as completed with result, refreshing the TTL
// window from the moment of completion.
func (s *Service) RecordComplete(ctx context.Context, key string, result any) error {
	now := time.Now()
	return s.store.Put(ctx, Record{
		Key:       key,
		Status:    StatusCompleted,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	})
}

// CleanupExpired removes all expired records and returns the count removed.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, time.Now())
}

// PendingStubResult is the literal stub returned for a duplicate hit on a
// pending record, per spec §4.5.
func PendingStubResult(toolID string) string {
	return fmt.Sprintf("%s is already in progress", toolID)
}
