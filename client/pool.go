package client

import (
	"hash/crc32"
	"sync"

	"bambuk-rpc/endpoint"
	"bambuk-rpc/metrics"
	"bambuk-rpc/transport"

	"github.com/hashicorp/golang-lru/arc/v2"
	"go.uber.org/zap"
)

const (
	DefaultMaxInFlight = 20000
	DefaultShards      = 32

	// joinedReports is how many finished batch reports stay available after Join.
	joinedReports = 4096
)

// Pool caches one Sender per endpoint and runs bulk-send batches over them.
//
// The endpoint → Sender map is split into shards picked by crc32 of the endpoint, so
// lookups for different agents rarely contend on the same lock.
type Pool struct {
	dial        transport.Dialer
	shards      []*senderShard
	senderOpts  []SenderOption
	maxInFlight int64
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex // Guards batches
	batches map[string]*batch
	joined  *arc.ARCCache[string, *BatchReport]
}

type senderShard struct {
	mu      sync.Mutex
	senders map[string]*Sender
}

type Option func(*Pool)

// WithMaxInFlight bounds how many sends of one batch run at the same time.
func WithMaxInFlight(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxInFlight = int64(n)
		}
	}
}

// WithSenderOptions applies opts to every Sender the pool creates.
func WithSenderOptions(opts ...SenderOption) Option {
	return func(p *Pool) { p.senderOpts = append(p.senderOpts, opts...) }
}

func WithShards(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.shards = newShards(n)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

func NewPool(dial transport.Dialer, opts ...Option) *Pool {
	joined, err := arc.NewARC[string, *BatchReport](joinedReports)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	p := &Pool{
		dial:        dial,
		shards:      newShards(DefaultShards),
		maxInFlight: DefaultMaxInFlight,
		logger:      zap.NewNop(),
		batches:     make(map[string]*batch),
		joined:      joined,
	}
	for _, opt := range opts {
		opt(p)
	}
	// Pool-wide logger and metrics first so explicit sender options can override them.
	p.senderOpts = append([]SenderOption{
		WithSenderLogger(p.logger),
		WithSenderMetrics(p.metrics),
	}, p.senderOpts...)
	return p
}

func newShards(n int) []*senderShard {
	shards := make([]*senderShard, n)
	for i := range shards {
		shards[i] = &senderShard{senders: make(map[string]*Sender)}
	}
	return shards
}

func (p *Pool) shard(key string) *senderShard {
	return p.shards[crc32.ChecksumIEEE([]byte(key))%uint32(len(p.shards))]
}

// GetSender returns the Sender for ep, creating it on first use. Concurrent callers asking
// for the same endpoint always get the same instance.
func (p *Pool) GetSender(ep endpoint.Endpoint) *Sender {
	key := ep.String()
	sh := p.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.senders[key]; ok {
		return s
	}
	s := NewSender(ep, p.dial, p.senderOpts...)
	sh.senders[key] = s
	p.logger.Debug("created sender", zap.String("endpoint", key))
	return s
}

// Len returns the number of cached senders.
func (p *Pool) Len() int {
	n := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		n += len(sh.senders)
		sh.mu.Unlock()
	}
	return n
}

// Close closes and forgets every cached sender. Batches still running keep the senders
// they already hold.
func (p *Pool) Close() error {
	for _, sh := range p.shards {
		sh.mu.Lock()
		senders := sh.senders
		sh.senders = make(map[string]*Sender)
		sh.mu.Unlock()

		for _, s := range senders {
			_ = s.Close()
		}
	}
	return nil
}
