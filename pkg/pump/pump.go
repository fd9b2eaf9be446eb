package pump

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shardmig/shardmig/pkg/driver"
	"github.com/shardmig/shardmig/pkg/metrics"
	"github.com/shardmig/shardmig/pkg/types"
)

// Limiter caps concurrent in-flight batches across all shards of one
// store class. A permit is held from stream until the batch commits.
type Limiter struct {
	sem *semaphore.Weighted
}

func NewLimiter(n int) *Limiter {
	return &Limiter{sem: semaphore.NewWeighted(int64(n))}
}

// Options tune the adaptive controller.
type Options struct {
	InitialSize   int
	MinBatch      int
	MaxBatch      int
	HighWatermark time.Duration
	LowWatermark  time.Duration
	// AdjustEvery is how many observed batches pass between adjustments.
	AdjustEvery int
}

// Pump streams source records for one (shard, step) in bounded batches
// with adaptive sizing. The executor feeds observed batch latency and
// back-end health into Observe; the controller halves the size on a
// high-watermark breach or degraded health, and grows it by 1.5x when
// latency sits under the low watermark with a healthy back-end.
type Pump struct {
	conn       driver.Conn
	collection string
	shard      types.ShardID
	limiter    *Limiter
	opts       Options

	mu       sync.Mutex
	size     int
	window   []time.Duration
	degraded bool
}

// New builds a pump over an open shard connection.
func New(conn driver.Conn, shard types.ShardID, collection string, limiter *Limiter, opts Options) *Pump {
	if opts.AdjustEvery <= 0 {
		opts.AdjustEvery = 5
	}
	size := opts.InitialSize
	if size < opts.MinBatch {
		size = opts.MinBatch
	}
	if size > opts.MaxBatch {
		size = opts.MaxBatch
	}
	return &Pump{
		conn:       conn,
		collection: collection,
		shard:      shard,
		limiter:    limiter,
		opts:       opts,
		size:       size,
	}
}

// Size returns the current target batch size.
func (p *Pump) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Next streams the next batch after cursor. It blocks on the store-class
// limiter; the returned release must be called once the batch is applied
// and checkpointed (or abandoned). An empty next cursor means the stream
// is exhausted after these records.
func (p *Pump) Next(ctx context.Context, cursor string) (records []types.Record, next string, release func(), err error) {
	if err := p.limiter.sem.Acquire(ctx, 1); err != nil {
		return nil, "", nil, err
	}
	var once sync.Once
	release = func() { once.Do(func() { p.limiter.sem.Release(1) }) }

	records, next, err = p.conn.StreamBatch(ctx, p.collection, cursor, p.Size())
	if err != nil {
		release()
		return nil, "", nil, err
	}
	return records, next, release, nil
}

// Observe feeds one completed batch's total latency and the health the
// executor saw into the control loop.
func (p *Pump) Observe(latency time.Duration, health types.Health) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if health != types.HealthOK {
		p.degraded = true
	}
	p.window = append(p.window, latency)
	if len(p.window) < p.opts.AdjustEvery {
		return
	}

	var total time.Duration
	for _, d := range p.window {
		total += d
	}
	mean := total / time.Duration(len(p.window))
	p.window = p.window[:0]

	switch {
	case p.degraded || mean > p.opts.HighWatermark:
		p.size /= 2
	case mean < p.opts.LowWatermark:
		p.size = p.size * 3 / 2
	}
	p.degraded = false

	if p.size < p.opts.MinBatch {
		p.size = p.opts.MinBatch
	}
	if p.size > p.opts.MaxBatch {
		p.size = p.opts.MaxBatch
	}
	metrics.BatchSize.WithLabelValues(string(p.shard)).Set(float64(p.size))
}
