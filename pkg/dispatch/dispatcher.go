// Package dispatch routes asynchronous device notifications to the handlers
// of the routes that produce them. Frames are looked up by their header,
// reassembled when one payload spans several packets, decoded and handed to
// a bounded pool of workers so a slow handler never blocks the transport.
package dispatch

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spaolacci/murmur3"
)

// Config tunes a Dispatcher. Zero fields take the defaults below.
type Config struct {
	Workers           int
	QueueLen          int
	PendingEntries    int
	ReassemblyTimeout time.Duration
	Clock             clock.Clock
	Metrics           *Metrics
}

const (
	DefaultWorkers           = 4
	DefaultQueueLen          = 64
	DefaultPendingEntries    = 64
	DefaultReassemblyTimeout = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueLen <= 0 {
		c.QueueLen = DefaultQueueLen
	}
	if c.PendingEntries <= 0 {
		c.PendingEntries = DefaultPendingEntries
	}
	if c.ReassemblyTimeout <= 0 {
		c.ReassemblyTimeout = DefaultReassemblyTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

type entry struct {
	route string
	sub   compiler.Subscription
	sink  Sink
}

type job struct {
	header  command.Header
	payload []byte
	at      time.Time
}

// Dispatcher demultiplexes notifications of every active route.
type Dispatcher struct {
	cfg Config

	mu     sync.RWMutex
	routes map[command.Header][]entry

	pendMu  sync.Mutex
	pending *lru.Cache[command.Header, *partial]

	shards []chan job
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts the workers and the reassembly sweeper.
func New(cfg Config) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	pending, err := lru.New[command.Header, *partial](cfg.PendingEntries)
	if err != nil {
		return nil, errors.Wrap(err, "pending table")
	}
	d := &Dispatcher{
		cfg:     cfg,
		routes:  map[command.Header][]entry{},
		pending: pending,
		shards:  make([]chan job, cfg.Workers),
		done:    make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, cfg.QueueLen)
		d.wg.Add(1)
		go d.work(d.shards[i])
	}
	d.wg.Add(1)
	go d.sweep()
	return d, nil
}

// Register adds the stream subscriptions of route. Log and react keys are
// not delivered through live notifications and are skipped.
func (d *Dispatcher) Register(route string, subs map[string]compiler.Subscription, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range subs {
		if s.Channel != compiler.Stream {
			continue
		}
		d.routes[s.Header] = append(d.routes[s.Header], entry{route: route, sub: s, sink: sink})
	}
}

// Unregister removes every subscription of route and discards partial
// payloads nobody waits for anymore.
func (d *Dispatcher) Unregister(route string) {
	var orphaned []command.Header
	d.mu.Lock()
	for h, entries := range d.routes {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.route != route {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(d.routes, h)
			orphaned = append(orphaned, h)
		} else {
			d.routes[h] = kept
		}
	}
	d.mu.Unlock()

	d.pendMu.Lock()
	for _, h := range orphaned {
		d.pending.Remove(h)
	}
	d.pendMu.Unlock()
}

// Subscribers returns how many registered keys read from header h.
func (d *Dispatcher) Subscribers(h command.Header) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.routes[h])
}

// Notify queues one frame. It never blocks; frames that cannot be routed or
// queued are dropped with a warning and Notify returns false.
func (d *Dispatcher) Notify(frame []byte) bool {
	logFields := log.Fields{"fnct": "Notify"}
	h, ok := d.resolve(frame)
	if !ok {
		d.cfg.Metrics.drop("no_subscription")
		log.WithFields(logFields).Warnf("%v: frame % x", routeerr.ErrNoSubscription, frame)
		return false
	}
	j := job{header: h, payload: append([]byte(nil), frame[h.Len():]...), at: d.cfg.Clock.Now()}
	shard := d.shards[murmur3.Sum32(h.Bytes())%uint32(len(d.shards))]
	select {
	case shard <- j:
		d.cfg.Metrics.frame("queued")
		return true
	case <-d.done:
		return false
	default:
		d.cfg.Metrics.drop("queue_full")
		log.WithFields(logFields).Warnf("worker queue full, dropping frame from %s", h)
		return false
	}
}

func (d *Dispatcher) resolve(frame []byte) (command.Header, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range command.Candidates(frame) {
		if len(d.routes[h]) > 0 {
			return h, true
		}
	}
	return command.Header{}, false
}

func (d *Dispatcher) lookup(h command.Header) []entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]entry(nil), d.routes[h]...)
}

// Close stops the workers. Queued frames are discarded.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
}

func (d *Dispatcher) work(in chan job) {
	defer d.wg.Done()
	for {
		select {
		case j := <-in:
			d.handle(j)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) sweep() {
	defer d.wg.Done()
	t := d.cfg.Clock.Ticker(d.cfg.ReassemblyTimeout)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.Expire()
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) handle(j job) {
	logFields := log.Fields{"fnct": "handle", "header": j.header.String()}
	entries := d.lookup(j.header)
	if len(entries) == 0 {
		d.cfg.Metrics.drop("no_subscription")
		log.WithFields(logFields).Warnf("%v: route removed before delivery", routeerr.ErrNoSubscription)
		return
	}
	first := entries[0].sub
	payload := j.payload
	if first.MultiPacket {
		full, complete, err := d.reassemble(j.header, payload, first.ExpectedLength, j.at)
		if err != nil {
			d.cfg.Metrics.drop("overrun")
			log.WithFields(logFields).Warn(err)
			return
		}
		if !complete {
			return
		}
		d.cfg.Metrics.completed()
		payload = full
	} else if len(payload) != first.ExpectedLength {
		reason := routeerr.ErrShortPayload
		if len(payload) > first.ExpectedLength {
			reason = routeerr.ErrPayloadOverrun
		}
		d.cfg.Metrics.drop(reason.Error())
		log.WithFields(logFields).Warnf("%v: %d bytes, expected %d", reason, len(payload), first.ExpectedLength)
		return
	}
	log.WithFields(logFields).Tracef("% x", payload)
	for _, e := range entries {
		d.deliver(e, payload, j.at)
	}
}

func (d *Dispatcher) deliver(e entry, payload []byte, at time.Time) {
	logFields := log.Fields{"fnct": "deliver", "route": e.route, "key": e.sub.Key}
	h, ok := e.sink.Handler(e.sub.Key)
	if !ok {
		return
	}
	raw, err := e.sub.Slice(payload)
	if err != nil {
		d.cfg.Metrics.drop("decode")
		log.WithFields(logFields).Warn(err)
		return
	}
	data, err := NewData(e.route, e.sub, append([]byte(nil), raw...), at)
	if err != nil {
		d.cfg.Metrics.drop("decode")
		log.WithFields(logFields).Warn(err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.cfg.Metrics.panicked()
			log.WithFields(logFields).Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	h(data)
	d.cfg.Metrics.frame("dispatched")
}
