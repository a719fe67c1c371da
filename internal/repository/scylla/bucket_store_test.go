package scylla

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-service/internal/ratelimit"
)

type rowKey struct {
	scope   string
	key     string
	startMs int64
	seconds int64
}

func keyOf(args []interface{}) rowKey {
	return rowKey{
		scope:   args[0].(string),
		key:     args[1].(string),
		startMs: args[2].(time.Time).UnixMilli(),
		seconds: args[3].(int64),
	}
}

type storedRow struct {
	id           string
	windowStart  time.Time
	windowEnd    time.Time
	countBase    int64
	blockedUntil time.Time
	createdAt    time.Time
	updatedAt    time.Time
}

// memorySession answers the bucket store's statements from maps. Each
// statement is applied under one lock, like a single-partition write.
type memorySession struct {
	mu      sync.Mutex
	rows    map[rowKey]*storedRow
	counts  map[string]int64
	index   map[string][]interface{}
	calls   map[string]int
	batches map[gocql.BatchType]int
	failOn  map[string]error
}

func newMemorySession() *memorySession {
	return &memorySession{
		rows:    map[rowKey]*storedRow{},
		counts:  map[string]int64{},
		index:   map[string][]interface{}{},
		calls:   map[string]int{},
		batches: map[gocql.BatchType]int{},
		failOn:  map[string]error{},
	}
}

func assign(dest []interface{}, values ...interface{}) {
	for i, v := range values {
		reflect.ValueOf(dest[i]).Elem().Set(reflect.ValueOf(v))
	}
}

func timeOrZero(v interface{}) time.Time {
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

func (m *memorySession) record(stmt string) error {
	m.calls[stmt]++
	return m.failOn[stmt]
}

func (m *memorySession) exec(stmt string, args []interface{}) error {
	if err := m.record(stmt); err != nil {
		return err
	}
	switch stmt {
	case incrementCountCQL:
		m.counts[args[1].(string)] += args[0].(int64)
	case deleteCountCQL:
		delete(m.counts, args[0].(string))
	case insertIndexCQL:
		m.index[args[0].(string)] = args[1:]
	case deleteIndexCQL:
		delete(m.index, args[0].(string))
	default:
		if !strings.HasPrefix(strings.TrimSpace(stmt), "CREATE TABLE") {
			return fmt.Errorf("unexpected statement %q", stmt)
		}
	}
	return nil
}

func (m *memorySession) Exec(_ context.Context, stmt string, values ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec(stmt, values)
}

func (m *memorySession) ExecuteWithRetry(ctx context.Context, stmt string, values []interface{}, _ int) error {
	return m.Exec(ctx, stmt, values...)
}

func (m *memorySession) ScanOne(_ context.Context, stmt string, values []interface{}, dest ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(stmt); err != nil {
		return err
	}

	switch stmt {
	case selectBucketCQL:
		k := keyOf(values)
		r, ok := m.rows[k]
		if !ok {
			return gocql.ErrNotFound
		}
		assign(dest, r.id, k.scope, k.key, r.windowStart, k.seconds, r.countBase, r.blockedUntil, r.createdAt, r.updatedAt)
	case selectCountCQL:
		c, ok := m.counts[values[0].(string)]
		if !ok {
			return gocql.ErrNotFound
		}
		assign(dest, c)
	case selectIndexCQL:
		t, ok := m.index[values[0].(string)]
		if !ok {
			return gocql.ErrNotFound
		}
		assign(dest, t...)
	default:
		return fmt.Errorf("unexpected query %q", stmt)
	}
	return nil
}

func (m *memorySession) ExecCAS(_ context.Context, stmt string, values ...interface{}) (bool, map[string]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(stmt); err != nil {
		return false, nil, err
	}

	switch stmt {
	case insertBucketCQL:
		k := keyOf(values[1:5])
		if r, ok := m.rows[k]; ok {
			return false, map[string]interface{}{"id": r.id}, nil
		}
		m.rows[k] = &storedRow{
			id:           values[0].(string),
			windowStart:  values[3].(time.Time),
			windowEnd:    values[5].(time.Time),
			countBase:    values[6].(int64),
			blockedUntil: timeOrZero(values[7]),
			createdAt:    values[8].(time.Time),
			updatedAt:    values[9].(time.Time),
		}
		return true, nil, nil
	case touchBucketCQL:
		r, ok := m.rows[keyOf(values[1:])]
		if !ok {
			return false, nil, nil
		}
		r.updatedAt = values[0].(time.Time)
		return true, nil, nil
	case updateBucketCQL:
		r, ok := m.rows[keyOf(values[3:7])]
		if !ok || r.id != values[7].(string) {
			return false, nil, nil
		}
		r.countBase = values[0].(int64)
		r.blockedUntil = timeOrZero(values[1])
		r.updatedAt = values[2].(time.Time)
		return true, nil, nil
	case deleteBucketCQL:
		k := keyOf(values)
		r, ok := m.rows[k]
		if !ok || r.id != values[4].(string) {
			return false, nil, nil
		}
		delete(m.rows, k)
		return true, nil, nil
	}
	return false, nil, fmt.Errorf("unexpected conditional statement %q", stmt)
}

type sliceIter struct {
	rows [][]interface{}
	pos  int
}

func (it *sliceIter) Scan(dest ...interface{}) bool {
	if it.pos >= len(it.rows) {
		return false
	}
	assign(dest, it.rows[it.pos]...)
	it.pos++
	return true
}

func (it *sliceIter) Close() error { return nil }

func (m *memorySession) Iter(_ context.Context, stmt string, values ...interface{}) RowIter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[stmt]++

	cutoff := values[0].(time.Time)
	it := &sliceIter{}
	for k, r := range m.rows {
		if r.windowEnd.Before(cutoff) {
			it.rows = append(it.rows, []interface{}{k.scope, k.key, r.windowStart, k.seconds, r.id})
		}
	}
	return it
}

func (m *memorySession) ExecuteBatch(_ context.Context, typ gocql.BatchType, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[typ]++
	for _, st := range stmts {
		if err := m.exec(st.CQL, st.Args); err != nil {
			return err
		}
	}
	return nil
}

func (m *memorySession) HealthCheck(context.Context) error { return nil }

func newTestStore(t *testing.T) (*BucketStore, *memorySession) {
	t.Helper()
	cql := newMemorySession()
	store, err := newBucketStore(cql, time.Second)
	require.NoError(t, err)
	return store, cql
}

var testNow = time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)

func testTuple() ratelimit.Tuple {
	return ratelimit.Tuple{
		Scope:         ratelimit.ScopeLoginIP,
		Key:           "1.2.3.4",
		WindowStart:   ratelimit.WindowStart(testNow, 60),
		WindowSeconds: 60,
	}
}

func TestBucketStore_UpsertIncrement(t *testing.T) {
	ctx := context.Background()
	store, cql := newTestStore(t)
	tuple := testTuple()

	require.NoError(t, store.UpsertIncrement(ctx, tuple, 1, testNow))
	first, err := store.FindOne(ctx, tuple)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.Count)

	require.NoError(t, store.UpsertIncrement(ctx, tuple, 2, testNow.Add(time.Second)))
	second, err := store.FindOne(ctx, tuple)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(3), second.Count)
	assert.Equal(t, testNow.Add(time.Second), second.UpdatedAt)
	assert.Equal(t, testNow, second.CreatedAt)

	byID, err := store.FindByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), byID.Count)

	// one counter write per call, no conditional retries
	assert.Equal(t, 2, cql.calls[incrementCountCQL])
	assert.Equal(t, 2, cql.calls[insertBucketCQL])
}

func TestBucketStore_ConcurrentUpsertLosesNothing(t *testing.T) {
	ctx := context.Background()
	store, cql := newTestStore(t)
	tuple := testTuple()

	const workers = 40
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.UpsertIncrement(ctx, tuple, 1, testNow)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bucket, err := store.FindOne(ctx, tuple)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), bucket.Count)
	assert.Len(t, cql.rows, 1)
	assert.Len(t, cql.index, 1)
}

func TestBucketStore_UpsertIncrementFailure(t *testing.T) {
	store, cql := newTestStore(t)
	cql.failOn[incrementCountCQL] = errors.New("write timeout")

	err := store.UpsertIncrement(context.Background(), testTuple(), 1, testNow)
	assert.ErrorContains(t, err, "write timeout")
	assert.Equal(t, 1, cql.calls[incrementCountCQL])
}

func TestBucketStore_CreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	tuple := testTuple()

	created, err := store.Create(ctx, &ratelimit.Bucket{
		Scope: tuple.Scope, Key: tuple.Key, WindowStart: tuple.WindowStart, WindowSeconds: tuple.WindowSeconds,
		Count: 5, CreatedAt: testNow, UpdatedAt: testNow,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	_, err = store.Create(ctx, &ratelimit.Bucket{
		Scope: tuple.Scope, Key: tuple.Key, WindowStart: tuple.WindowStart, WindowSeconds: tuple.WindowSeconds,
	})
	assert.ErrorIs(t, err, ratelimit.ErrDuplicateBucket)

	require.NoError(t, store.UpsertIncrement(ctx, tuple, 1, testNow))
	bucket, err := store.FindOne(ctx, tuple)
	require.NoError(t, err)
	assert.Equal(t, int64(6), bucket.Count)

	count := int64(2)
	until := testNow.Add(time.Minute)
	updated, err := store.Update(ctx, created.ID, ratelimit.BucketUpdate{Count: &count, BlockedUntil: &until, UpdatedAt: testNow})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Count)
	require.NotNil(t, updated.BlockedUntil)
	assert.Equal(t, until, *updated.BlockedUntil)

	require.NoError(t, store.UpsertIncrement(ctx, tuple, 1, testNow))
	bucket, err = store.FindOne(ctx, tuple)
	require.NoError(t, err)
	assert.Equal(t, int64(3), bucket.Count)
	assert.NotNil(t, bucket.BlockedUntil, "increments keep the block")

	cleared, err := store.Update(ctx, created.ID, ratelimit.BucketUpdate{ClearBlockedUntil: true})
	require.NoError(t, err)
	assert.Nil(t, cleared.BlockedUntil)
	assert.Equal(t, int64(3), cleared.Count)

	_, err = store.Update(ctx, "missing", ratelimit.BucketUpdate{Count: &count})
	assert.ErrorIs(t, err, ratelimit.ErrNotFound)
}

func TestBucketStore_ResetAndDelete(t *testing.T) {
	ctx := context.Background()
	store, cql := newTestStore(t)
	tuple := testTuple()

	require.NoError(t, store.UpsertIncrement(ctx, tuple, 4, testNow))
	before, err := store.FindOne(ctx, tuple)
	require.NoError(t, err)

	affected, err := store.Reset(ctx, tuple)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.Empty(t, cql.counts)
	assert.Empty(t, cql.index)

	affected, err = store.Reset(ctx, tuple)
	require.NoError(t, err)
	assert.Zero(t, affected)

	require.NoError(t, store.UpsertIncrement(ctx, tuple, 1, testNow))
	after, err := store.FindOne(ctx, tuple)
	require.NoError(t, err)
	assert.Equal(t, int64(1), after.Count, "a reset bucket starts from zero")
	assert.NotEqual(t, before.ID, after.ID)

	_, err = store.FindByID(ctx, before.ID)
	assert.ErrorIs(t, err, ratelimit.ErrNotFound)

	affected, err = store.Delete(ctx, after.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	affected, err = store.Delete(ctx, after.ID)
	require.NoError(t, err)
	assert.Zero(t, affected)
}

func TestBucketStore_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	store, cql := newTestStore(t)

	old := testTuple()
	old.WindowStart = old.WindowStart.Add(-time.Hour)
	live := testTuple()
	require.NoError(t, store.UpsertIncrement(ctx, old, 3, testNow))
	require.NoError(t, store.UpsertIncrement(ctx, live, 1, testNow))

	deleted, err := store.DeleteExpired(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	gone, err := store.FindOne(ctx, old)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.FindOne(ctx, live)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, int64(1), kept.Count)

	assert.Len(t, cql.counts, 1)
	assert.Len(t, cql.index, 1)
	assert.Equal(t, 1, cql.batches[gocql.UnloggedBatch])
	assert.Equal(t, 1, cql.batches[gocql.CounterBatch])

	deleted, err = store.DeleteExpired(ctx, testNow)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestBucketRow_Conversion(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	row := bucketRow{
		id:            "b-1",
		scope:         string(ratelimit.ScopeLoginIP),
		key:           "1.2.3.4",
		windowStart:   start,
		windowSeconds: 60,
		countBase:     -1,
		counter:       5,
		createdAt:     start.Add(1500 * time.Microsecond),
		updatedAt:     start,
	}

	b := row.bucket()
	assert.Equal(t, ratelimit.ScopeLoginIP, b.Scope)
	assert.Equal(t, int64(4), b.Count)
	assert.Equal(t, time.UTC, b.WindowStart.Location())
	assert.Equal(t, start.Add(time.Millisecond).UTC(), b.CreatedAt)
	assert.Nil(t, b.BlockedUntil, "zero timestamp means no block")

	row.blockedUntil = start.Add(time.Minute)
	b = row.bucket()
	require.NotNil(t, b.BlockedUntil)
	assert.True(t, b.BlockedUntil.Equal(start.Add(time.Minute)))
}

func TestSchemaAndStatements(t *testing.T) {
	require.Len(t, schemaStatements, 3)
	assert.Contains(t, schemaStatements[0], "PRIMARY KEY ((scope, bucket_key), window_start, window_seconds)")
	assert.Contains(t, schemaStatements[1], "count counter")
	assert.True(t, strings.HasSuffix(insertBucketCQL, "IF NOT EXISTS"))
	assert.Contains(t, incrementCountCQL, "count = count + ?")

	tuple := testTuple()
	assert.Equal(t, tuple.WindowStart.Add(time.Minute), tuple.WindowEnd())
	assert.Len(t, tupleArgs(tuple), strings.Count(tupleWhere, "?"))
}
