// Package cache keeps fingerprinted payloads per scope key so that unchanged
// remote content is neither re-downloaded nor re-written.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"reviewtrail/internal/components/assert"
	"reviewtrail/internal/components/chrono"
	"reviewtrail/internal/components/db"
	"reviewtrail/internal/components/telemetry"
	"reviewtrail/internal/fault"
)

const (
	report_cache_load  = "cache.load"
	report_cache_flush = "cache.flush"
	report_cache_size  = "cache.entries"
)

type Entry struct {
	Key         string
	Fingerprint string
	Payload     []byte
	FirstSeen   time.Time
	LastSeen    time.Time
}

type Stats struct {
	Hits      int64
	Misses    int64
	Unchanged int64
	Changed   int64
}

// Sub is the activity between an earlier snapshot and s.
func (s Stats) Sub(earlier Stats) Stats {
	return Stats{
		Hits:      s.Hits - earlier.Hits,
		Misses:    s.Misses - earlier.Misses,
		Unchanged: s.Unchanged - earlier.Unchanged,
		Changed:   s.Changed - earlier.Changed,
	}
}

// HitRatio is the share of lookups that found an entry.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is safe for concurrent use. Its lock is reentrant for callers that pass
// along the context they were given inside Update or SnapshotAndFlush.
type Cache struct {
	lock    reentrantMutex
	entries map[string]*Entry
	dirty   map[string]struct{}

	makeTx db.MakeTx
	time   chrono.TimeAPI
	tel    telemetry.API

	hits      atomic.Int64
	misses    atomic.Int64
	unchanged atomic.Int64
	changed   atomic.Int64
	// per platform counters, guarded by lock
	scopes map[string]*Stats
}

// NewMemory creates a cache without a durable index.
func NewMemory(timeAPI chrono.TimeAPI, tel telemetry.API) *Cache {
	assert.NotNil(timeAPI)
	assert.NotNil(tel)

	return &Cache{
		entries: map[string]*Entry{},
		dirty:   map[string]struct{}{},
		scopes:  map[string]*Stats{},
		time:    timeAPI,
		tel:     telemetry.NewScopedAPI("cache", tel),
	}
}

// Open creates a cache whose index is loaded from and flushed to conn.
func Open(ctx context.Context, conn *sql.DB, timeAPI chrono.TimeAPI, tel telemetry.API) (*Cache, error) {
	assert.NotNil(conn)

	c := NewMemory(timeAPI, tel)
	c.makeTx = db.NewMakeTx(conn)

	rows, err := db.New(conn).ListCacheEntries(ctx)
	if err != nil {
		c.tel.ReportBroken(report_cache_load, err)
		return nil, fmt.Errorf("load cache index: %w", err)
	}
	for _, row := range rows {
		c.entries[row.ScopeKey] = &Entry{
			Key:         row.ScopeKey,
			Fingerprint: row.Fingerprint,
			Payload:     row.Payload,
			FirstSeen:   time.Unix(row.FirstSeen, 0).UTC(),
			LastSeen:    time.Unix(row.LastSeen, 0).UTC(),
		}
	}
	c.tel.ReportCount(report_cache_size, int64(len(c.entries)))
	return c, nil
}

// Fingerprint is the content hash used when the caller does not supply one.
func Fingerprint(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Key joins the parts of a scope key. Each part is path escaped so that
// separators inside names cannot make two scopes collide.
func Key(platform, itemID string, resource ...string) string {
	parts := append([]string{platform, "item", itemID}, resource...)
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// platformOf is the unescaped first part of key.
func platformOf(key string) string {
	first, _, _ := strings.Cut(key, "/")
	platform, err := url.PathUnescape(first)
	if err != nil {
		return first
	}
	return platform
}

// scope returns the counters of key's platform, the lock must be held.
func (c *Cache) scope(key string) *Stats {
	platform := platformOf(key)
	stats, ok := c.scopes[platform]
	if !ok {
		stats = &Stats{}
		c.scopes[platform] = stats
	}
	return stats
}

func (c *Cache) Get(ctx context.Context, key string) (Entry, bool) {
	_, unlock := c.lock.lock(ctx)
	defer unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		c.scope(key).Misses++
		return Entry{}, false
	}
	c.hits.Add(1)
	c.scope(key).Hits++
	return *entry, true
}

// Put stores payload under key and reports whether it differs from what was stored.
func (c *Cache) Put(ctx context.Context, key string, payload []byte) (bool, error) {
	return c.PutFingerprint(ctx, key, Fingerprint(payload), payload)
}

// PutFingerprint is Put with a caller supplied fingerprint, used for content
// that is identified by its metadata before it is downloaded. An unchanged
// fingerprint leaves the entry untouched.
func (c *Cache) PutFingerprint(ctx context.Context, key, fingerprint string, payload []byte) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("empty scope key")
	}

	_, unlock := c.lock.lock(ctx)
	defer unlock()

	existing, ok := c.entries[key]
	if ok && existing.Fingerprint == fingerprint {
		c.unchanged.Add(1)
		c.scope(key).Unchanged++
		return false, nil
	}

	now := c.time.Now()
	stored := make([]byte, len(payload))
	copy(stored, payload)
	entry := &Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Payload:     stored,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if ok {
		entry.FirstSeen = existing.FirstSeen
	}
	c.entries[key] = entry
	c.dirty[key] = struct{}{}
	c.changed.Add(1)
	c.scope(key).Changed++
	return true, nil
}

// MergeFunc computes the new payload of an entry from the existing one, which
// is nil when there is none. ctx holds the cache lock, cache methods called
// with it re-enter instead of blocking.
type MergeFunc func(ctx context.Context, existing *Entry) ([]byte, error)

// Update atomically replaces the payload under key with the result of merge.
func (c *Cache) Update(ctx context.Context, key string, merge MergeFunc) (bool, error) {
	lockedCtx, unlock := c.lock.lock(ctx)
	defer unlock()

	var existing *Entry
	if entry, ok := c.entries[key]; ok {
		copied := *entry
		existing = &copied
	}
	payload, err := merge(lockedCtx, existing)
	if err != nil {
		return false, err
	}
	return c.Put(lockedCtx, key, payload)
}

// MergeFields merges fields into the JSON object stored under key. Empty
// values never overwrite values that were already captured.
func (c *Cache) MergeFields(ctx context.Context, key string, fields map[string]any) (map[string]any, bool, error) {
	var merged map[string]any
	changed, err := c.Update(ctx, key, func(ctx context.Context, existing *Entry) ([]byte, error) {
		merged = map[string]any{}
		if existing != nil {
			err := json.Unmarshal(existing.Payload, &merged)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		for name, value := range fields {
			if IsEmpty(value) {
				continue
			}
			merged[name] = value
		}
		return json.Marshal(merged)
	})
	if err != nil {
		return nil, false, err
	}
	return merged, changed, nil
}

// IsEmpty reports whether v carries no information: nil, a blank string or an
// empty collection.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Stats counts the activity on every platform since the cache was created.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Unchanged: c.unchanged.Load(),
		Changed:   c.changed.Load(),
	}
}

// StatsFor counts the activity on the keys of one platform.
func (c *Cache) StatsFor(ctx context.Context, platform string) Stats {
	_, unlock := c.lock.lock(ctx)
	defer unlock()

	stats, ok := c.scopes[platform]
	if !ok {
		return Stats{}
	}
	return *stats
}

// SnapshotAndFlush writes the primary export first and only then persists
// the changed index entries. Nothing can be changed in between. A failed
// export is returned as is. A failed index write is returned as
// *fault.CacheWriteFailed, the export stays authoritative and the entries
// stay dirty for the next flush.
func (c *Cache) SnapshotAndFlush(ctx context.Context, writeExport func(ctx context.Context) error) error {
	lockedCtx, unlock := c.lock.lock(ctx)
	defer unlock()

	if writeExport != nil {
		err := writeExport(lockedCtx)
		if err != nil {
			return fmt.Errorf("write export: %w", err)
		}
	}

	if c.makeTx == nil || len(c.dirty) == 0 {
		return nil
	}

	err := c.flushLocked(lockedCtx)
	if err != nil {
		c.tel.ReportBroken(report_cache_flush, err, len(c.dirty))
		return &fault.CacheWriteFailed{Err: err}
	}
	c.tel.ReportCount(report_cache_size, int64(len(c.entries)))
	return nil
}

func (c *Cache) flushLocked(ctx context.Context) error {
	tx, discard, commit, err := c.makeTx()
	if err != nil {
		return err
	}
	defer discard()

	keys := make([]string, 0, len(c.dirty))
	for key := range c.dirty {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := c.entries[key]
		err := tx.UpsertCacheEntry(ctx, db.UpsertCacheEntryParams{
			ScopeKey:    entry.Key,
			Fingerprint: entry.Fingerprint,
			Payload:     entry.Payload,
			FirstSeen:   entry.FirstSeen.Unix(),
			LastSeen:    entry.LastSeen.Unix(),
		})
		if err != nil {
			return fmt.Errorf("upsert %s: %w", key, err)
		}
	}
	err = commit()
	if err != nil {
		return err
	}
	c.dirty = map[string]struct{}{}
	return nil
}
