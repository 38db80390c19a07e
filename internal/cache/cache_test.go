package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"reviewtrail/internal/components/chrono"
	"reviewtrail/internal/components/db"
	"reviewtrail/internal/components/telemetry/telemetrytest"
	"reviewtrail/internal/fault"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPutUnchangedFingerprint(t *testing.T) {
	ctx := context.Background()
	clock := chrono.NewFakeTime(start)
	c := NewMemory(clock, &telemetrytest.Recorder{})
	key := Key("ms", "MS-1", "documents", "manuscript.pdf")

	changed, err := c.PutFingerprint(ctx, key, "size=10;date=2024-01-01", []byte("meta"))
	require.NoError(t, err)
	require.True(t, changed)

	clock.Advance(time.Hour)
	changed, err = c.PutFingerprint(ctx, key, "size=10;date=2024-01-01", []byte("meta"))
	require.NoError(t, err)
	require.False(t, changed)

	entry, ok := c.Get(ctx, key)
	require.True(t, ok)
	require.Equal(t, start, entry.LastSeen)

	changed, err = c.PutFingerprint(ctx, key, "size=12;date=2024-02-01", []byte("meta2"))
	require.NoError(t, err)
	require.True(t, changed)

	entry, _ = c.Get(ctx, key)
	require.Equal(t, start, entry.FirstSeen)
	require.Equal(t, start.Add(time.Hour), entry.LastSeen)
	require.Equal(t, []byte("meta2"), entry.Payload)

	stats := c.Stats()
	require.Equal(t, int64(1), stats.Unchanged)
	require.Equal(t, int64(2), stats.Changed)
	require.Equal(t, 1.0, stats.HitRatio())
}

func TestKeyEscapesParts(t *testing.T) {
	require.Equal(t, "ms/item/MS-1/document/Manuscript/paper.pdf", Key("ms", "MS-1", "document", "Manuscript", "paper.pdf"))

	nested := Key("ms", "MS-1", "document", "Figures/fig 1.png")
	split := Key("ms", "MS-1", "document", "Figures", "fig 1.png")
	require.NotEqual(t, nested, split)
	require.Equal(t, "ms/item/MS-1/document/Figures%2Ffig%201.png", nested)
	require.NotEqual(t, Key("a/b", "1"), Key("a", "b/1"))
}

func TestStatsForPlatform(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(chrono.NewFakeTime(start), &telemetrytest.Recorder{})

	_, err := c.Put(ctx, Key("ms", "MS-1", "fields"), []byte("{}"))
	require.NoError(t, err)
	_, err = c.Put(ctx, Key("ms", "MS-1", "fields"), []byte("{}"))
	require.NoError(t, err)
	c.Get(ctx, Key("ms", "MS-1", "fields"))
	c.Get(ctx, Key("journal/b", "J-1", "fields"))

	before := c.StatsFor(ctx, "journal/b")
	_, err = c.Put(ctx, Key("journal/b", "J-1", "fields"), []byte("{}"))
	require.NoError(t, err)

	require.Equal(t, Stats{Hits: 1, Unchanged: 1, Changed: 1}, c.StatsFor(ctx, "ms"))
	require.Equal(t, Stats{Misses: 1, Changed: 1}, c.StatsFor(ctx, "journal/b"))
	require.Equal(t, Stats{Changed: 1}, c.StatsFor(ctx, "journal/b").Sub(before))
	require.Equal(t, Stats{}, c.StatsFor(ctx, "press"))
	require.Equal(t, Stats{Hits: 1, Misses: 1, Unchanged: 1, Changed: 2}, c.Stats())
}

func TestNestedGetInsideUpdate(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(chrono.NewFakeTime(start), &telemetrytest.Recorder{})
	_, err := c.Put(ctx, Key("ms", "MS-1", "participants"), []byte(`["Jane Doe"]`))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Update(ctx, Key("ms", "MS-1", "result"), func(ctx context.Context, existing *Entry) ([]byte, error) {
			participants, ok := c.Get(ctx, Key("ms", "MS-1", "participants"))
			if !ok {
				return nil, fmt.Errorf("participants missing")
			}
			_, err := c.Put(ctx, Key("ms", "MS-1", "seen"), []byte("1"))
			if err != nil {
				return nil, err
			}
			return participants.Payload, nil
		})
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("nested cache call deadlocked")
	}

	entry, ok := c.Get(ctx, Key("ms", "MS-1", "result"))
	require.True(t, ok)
	require.Equal(t, `["Jane Doe"]`, string(entry.Payload))
}

func TestUpdateExcludesOtherGoroutines(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(chrono.NewFakeTime(start), &telemetrytest.Recorder{})

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		c.Update(ctx, "k", func(ctx context.Context, existing *Entry) ([]byte, error) {
			close(inside)
			<-release
			return []byte("from update"), nil
		})
	}()
	<-inside

	got := make(chan Entry, 1)
	go func() {
		// a context that does not carry the lock must wait
		entry, _ := c.Get(context.Background(), "k")
		got <- entry
	}()

	select {
	case <-got:
		t.Fatal("get did not wait for the update to finish")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case entry := <-got:
		require.Equal(t, "from update", string(entry.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("get never acquired the lock")
	}
}

func TestMergeFieldsConcurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(chrono.NewFakeTime(start), &telemetrytest.Recorder{})
	key := Key("ms", "MS-1", "result")

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.MergeFields(ctx, key, map[string]any{fmt.Sprintf("field-%02d", i): "value"})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	merged, _, err := c.MergeFields(ctx, key, nil)
	require.NoError(t, err)
	require.Len(t, merged, 50)
}

func TestMergeFieldsKeepsCapturedValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(chrono.NewFakeTime(start), &telemetrytest.Recorder{})
	key := Key("ms", "MS-1", "result")

	_, changed, err := c.MergeFields(ctx, key, map[string]any{"title": "On Graphs", "reviewers": []string{"Jane Doe"}})
	require.NoError(t, err)
	require.True(t, changed)

	merged, changed, err := c.MergeFields(ctx, key, map[string]any{"title": "", "reviewers": []string{}, "decision": nil})
	require.NoError(t, err)
	require.False(t, changed)

	expected := map[string]any{"title": "On Graphs", "reviewers": []any{"Jane Doe"}}
	if diff := cmp.Diff(expected, merged); diff != "" {
		t.Fatal(diff)
	}
}

func TestSnapshotAndFlushOrdering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	conn, err := db.Open(ctx, db.Config{File: path})
	require.NoError(t, err)
	defer conn.Close()

	c, err := Open(ctx, conn, chrono.NewFakeTime(start), &telemetrytest.Recorder{})
	require.NoError(t, err)
	_, err = c.Put(ctx, Key("ms", "MS-1", "result"), []byte(`{"title":"On Graphs"}`))
	require.NoError(t, err)

	exported := false
	err = c.SnapshotAndFlush(ctx, func(ctx context.Context) error {
		rows, err := db.New(conn).ListCacheEntries(ctx)
		require.NoError(t, err)
		require.Empty(t, rows, "index must not be written before the export")

		_, ok := c.Get(ctx, Key("ms", "MS-1", "result"))
		require.True(t, ok)
		exported = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, exported)

	reopened, err := Open(ctx, conn, chrono.NewFakeTime(start), &telemetrytest.Recorder{})
	require.NoError(t, err)
	entry, ok := reopened.Get(ctx, Key("ms", "MS-1", "result"))
	require.True(t, ok)
	require.Equal(t, Fingerprint([]byte(`{"title":"On Graphs"}`)), entry.Fingerprint)
}

func TestSnapshotAndFlushIndexFailure(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{File: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)

	tel := &telemetrytest.Recorder{}
	c, err := Open(ctx, conn, chrono.NewFakeTime(start), tel)
	require.NoError(t, err)
	_, err = c.Put(ctx, "ms/item/MS-1/result", []byte("{}"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	exported := false
	err = c.SnapshotAndFlush(ctx, func(ctx context.Context) error {
		exported = true
		return nil
	})
	var writeFailed *fault.CacheWriteFailed
	require.ErrorAs(t, err, &writeFailed)
	require.True(t, exported)
	require.Len(t, tel.Find(telemetrytest.KindBroken, report_cache_flush), 1)
	require.Len(t, c.dirty, 1)
}
