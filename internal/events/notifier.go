package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ratelimit-service/internal/ratelimit"
	"ratelimit-service/internal/util"
)

const EventTypeBlockStarted = "rate_limit.block_started"

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

// Execer is satisfied by client.ClickHouseClient.
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// DocumentIndexer is satisfied by client.ESClient.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// eventID is stable for a given block so replays overwrite instead of duplicating.
func eventID(e ratelimit.BlockEvent) string {
	return fmt.Sprintf("%s:%s:%d:%d:%d", e.Scope, e.Key, e.WindowStart.UnixMilli(), e.WindowSeconds, e.BlockedUntil.UnixMilli())
}

type KafkaNotifier struct {
	producer MessageProducer
}

func NewKafkaNotifier(producer MessageProducer) *KafkaNotifier {
	return &KafkaNotifier{producer: producer}
}

// NotifyBlock keys messages by scope and key so one subject stays on one partition.
func (n *KafkaNotifier) NotifyBlock(ctx context.Context, event ratelimit.BlockEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode block event: %w", err)
	}
	headers := map[string]string{
		"event_type": EventTypeBlockStarted,
		"event_id":   eventID(event),
		"scope":      event.Scope.String(),
	}
	return n.producer.ProduceMessage(ctx, []byte(event.Scope.String()+":"+event.Key), value, headers)
}

const clickhouseBlockTable = `CREATE TABLE IF NOT EXISTS rate_limit_block_events (
	scope LowCardinality(String),
	bucket_key String,
	window_start DateTime64(3, 'UTC'),
	window_seconds Int64,
	count Int64,
	rule_limit Int64,
	blocked_until DateTime64(3, 'UTC'),
	occurred_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (scope, occurred_at)`

type ClickHouseNotifier struct {
	conn Execer
}

// NewClickHouseNotifier creates the events table if it does not exist.
func NewClickHouseNotifier(ctx context.Context, conn Execer) (*ClickHouseNotifier, error) {
	if err := conn.Exec(ctx, clickhouseBlockTable); err != nil {
		return nil, fmt.Errorf("failed to create block events table: %w", err)
	}
	return &ClickHouseNotifier{conn: conn}, nil
}

func (n *ClickHouseNotifier) NotifyBlock(ctx context.Context, event ratelimit.BlockEvent) error {
	err := n.conn.Exec(ctx, `INSERT INTO rate_limit_block_events
		(scope, bucket_key, window_start, window_seconds, count, rule_limit, blocked_until, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Scope.String(), event.Key, event.WindowStart, event.WindowSeconds,
		event.Count, event.Limit, event.BlockedUntil, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to insert block event: %w", err)
	}
	return nil
}

type ElasticsearchNotifier struct {
	indexer DocumentIndexer
	index   string
}

func NewElasticsearchNotifier(indexer DocumentIndexer, index string) *ElasticsearchNotifier {
	return &ElasticsearchNotifier{indexer: indexer, index: index}
}

func (n *ElasticsearchNotifier) NotifyBlock(ctx context.Context, event ratelimit.BlockEvent) error {
	if err := n.indexer.IndexDocument(ctx, n.index, eventID(event), event); err != nil {
		return fmt.Errorf("failed to index block event: %w", err)
	}
	return nil
}

// Fanout delivers each event to every sink concurrently. One failing sink
// does not stop the others; all failures are joined.
type Fanout struct {
	sinks map[string]ratelimit.Notifier
}

func NewFanout() *Fanout {
	return &Fanout{sinks: make(map[string]ratelimit.Notifier)}
}

func (f *Fanout) Add(name string, notifier ratelimit.Notifier) {
	f.sinks[name] = notifier
}

func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) NotifyBlock(ctx context.Context, event ratelimit.BlockEvent) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for name, sink := range f.sinks {
		g.Go(func() error {
			if err := sink.NotifyBlock(ctx, event); err != nil {
				util.Debug("Block event sink failed", zap.String("sink", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
