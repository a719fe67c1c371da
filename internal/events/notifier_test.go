package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratelimit-service/internal/ratelimit"
)

func sampleEvent() ratelimit.BlockEvent {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return ratelimit.BlockEvent{
		Scope:         ratelimit.ScopeLoginIP,
		Key:           "1.2.3.4",
		WindowStart:   start,
		WindowSeconds: 60,
		Count:         6,
		Limit:         5,
		BlockedUntil:  start.Add(90 * time.Second),
		OccurredAt:    start.Add(30 * time.Second),
	}
}

type fakeProducer struct {
	key     []byte
	value   []byte
	headers map[string]string
	err     error
}

func (f *fakeProducer) ProduceMessage(_ context.Context, key, value []byte, headers map[string]string) error {
	f.key, f.value, f.headers = key, value, headers
	return f.err
}

type fakeExecer struct {
	mu      sync.Mutex
	queries []string
	args    [][]interface{}
}

func (f *fakeExecer) Exec(_ context.Context, query string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	return nil
}

type fakeIndexer struct {
	index string
	id    string
	doc   interface{}
}

func (f *fakeIndexer) IndexDocument(_ context.Context, index, id string, doc interface{}) error {
	f.index, f.id, f.doc = index, id, doc
	return nil
}

type notifierFunc func(ctx context.Context, event ratelimit.BlockEvent) error

func (fn notifierFunc) NotifyBlock(ctx context.Context, event ratelimit.BlockEvent) error {
	return fn(ctx, event)
}

func TestKafkaNotifier(t *testing.T) {
	producer := &fakeProducer{}
	n := NewKafkaNotifier(producer)

	require.NoError(t, n.NotifyBlock(context.Background(), sampleEvent()))
	assert.Equal(t, "LOGIN_IP:1.2.3.4", string(producer.key))
	assert.Equal(t, EventTypeBlockStarted, producer.headers["event_type"])

	var decoded ratelimit.BlockEvent
	require.NoError(t, json.Unmarshal(producer.value, &decoded))
	assert.Equal(t, int64(6), decoded.Count)
	assert.True(t, decoded.BlockedUntil.Equal(sampleEvent().BlockedUntil))

	producer.err = errors.New("broker down")
	assert.Error(t, n.NotifyBlock(context.Background(), sampleEvent()))
}

func TestClickHouseNotifier(t *testing.T) {
	conn := &fakeExecer{}
	n, err := NewClickHouseNotifier(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, conn.queries, 1)
	assert.Contains(t, conn.queries[0], "CREATE TABLE IF NOT EXISTS rate_limit_block_events")

	require.NoError(t, n.NotifyBlock(context.Background(), sampleEvent()))
	require.Len(t, conn.queries, 2)
	assert.True(t, strings.HasPrefix(conn.queries[1], "INSERT INTO rate_limit_block_events"))
	assert.Len(t, conn.args[1], 8)
}

func TestElasticsearchNotifier(t *testing.T) {
	indexer := &fakeIndexer{}
	n := NewElasticsearchNotifier(indexer, "rate-limit-blocks")

	require.NoError(t, n.NotifyBlock(context.Background(), sampleEvent()))
	assert.Equal(t, "rate-limit-blocks", indexer.index)
	assert.Equal(t, eventID(sampleEvent()), indexer.id)

	// the same block always maps to the same document
	first := indexer.id
	require.NoError(t, n.NotifyBlock(context.Background(), sampleEvent()))
	assert.Equal(t, first, indexer.id)
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	var mu sync.Mutex
	delivered := map[string]int{}
	record := func(name string, err error) ratelimit.Notifier {
		return notifierFunc(func(context.Context, ratelimit.BlockEvent) error {
			mu.Lock()
			delivered[name]++
			mu.Unlock()
			return err
		})
	}

	f := NewFanout()
	f.Add("kafka", record("kafka", errors.New("broker down")))
	f.Add("clickhouse", record("clickhouse", nil))
	f.Add("elasticsearch", record("elasticsearch", nil))
	assert.Equal(t, 3, f.Len())

	err := f.NotifyBlock(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka: broker down")
	assert.Equal(t, map[string]int{"kafka": 1, "clickhouse": 1, "elasticsearch": 1}, delivered)

	assert.NoError(t, NewFanout().NotifyBlock(context.Background(), sampleEvent()))
}
