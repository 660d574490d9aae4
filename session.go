// Package dataroute drives route installation on a sensor device: it
// compiles route plans, installs them over the command queue, keeps the
// handle of every installed route and delivers their data, live or read
// back from the device log.
package dataroute

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/pat-rohn/go-dataroute/pkg/queue"
	"github.com/pat-rohn/go-dataroute/pkg/route"
	"github.com/pat-rohn/go-dataroute/pkg/transport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

const readoutBuffer = 256

// Session is the connection to one device. It owns the command queue, the
// dispatcher and the slot allocator every route of the device shares.
type Session struct {
	cfg      Config
	link     transport.Transport
	queue    *queue.Queue
	dispatch *dispatch.Dispatcher
	compiler *compiler.Compiler
	store    *RouteStore
	samples  SampleSink
	clock    clock.Clock
	metrics  *metrics
	cancel   context.CancelFunc

	download *semaphore.Weighted
	reading  atomic.Bool
	readout  chan []byte

	mu     sync.RWMutex
	routes map[string]*RouteManager
	// stream keys currently enabled per notification header
	refs map[command.Header]int
}

type options struct {
	store   *RouteStore
	samples SampleSink
	reg     prometheus.Registerer
	clock   clock.Clock
}

// Option configures a Session.
type Option func(*options)

// WithRouteStore persists committed routes.
func WithRouteStore(st *RouteStore) Option {
	return func(o *options) { o.store = st }
}

// WithSampleSink receives downloaded log samples when a download asks to
// persist them.
func WithSampleSink(s SampleSink) Option {
	return func(o *options) { o.samples = s }
}

// WithRegisterer registers the session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func limitsWithDefaults(l compiler.Limits, packetLen int) compiler.Limits {
	if l.MaxProcessors <= 0 {
		l.MaxProcessors = defaultLimits.MaxProcessors
	}
	if l.MaxLoggers <= 0 {
		l.MaxLoggers = defaultLimits.MaxLoggers
	}
	if l.MaxEvents <= 0 {
		l.MaxEvents = defaultLimits.MaxEvents
	}
	if packetLen > 0 {
		l.MaxPacketLen = packetLen
	}
	if l.MaxPacketLen <= 0 {
		l.MaxPacketLen = defaultLimits.MaxPacketLen
	}
	return l
}

// NewSession starts the command queue and the dispatcher on link. The
// session runs until Close or until ctx is done.
func NewSession(ctx context.Context, link transport.Transport, cfg Config, opts ...Option) (*Session, error) {
	logFields := log.Fields{"fnct": "NewSession"}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	producers, err := cfg.ProducerTable()
	if err != nil {
		return nil, err
	}
	limits := limitsWithDefaults(cfg.Limits, link.MaxPacketLen())
	m, err := newMetrics(o.reg)
	if err != nil {
		return nil, errors.Wrap(err, "session metrics")
	}
	dm, err := dispatch.NewMetrics(o.reg)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch metrics")
	}
	d, err := dispatch.New(dispatch.Config{
		Workers:           cfg.Dispatch.Workers,
		QueueLen:          cfg.Dispatch.QueueLen,
		PendingEntries:    cfg.Dispatch.PendingEntries,
		ReassemblyTimeout: cfg.Dispatch.ReassemblyTimeout,
		Clock:             o.clock,
		Metrics:           dm,
	})
	if err != nil {
		return nil, err
	}
	q, err := queue.New(link, queue.Config{
		Depth:          cfg.Queue.Depth,
		CommandTimeout: cfg.Queue.CommandTimeout,
		Registerer:     o.reg,
		Clock:          o.clock,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	cfg.Limits = limits
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:      cfg,
		link:     link,
		queue:    q,
		dispatch: d,
		compiler: compiler.New(producers, compiler.NewAllocator(limits), limits),
		store:    o.store,
		samples:  o.samples,
		clock:    o.clock,
		metrics:  m,
		cancel:   cancel,
		download: semaphore.NewWeighted(1),
		readout:  make(chan []byte, readoutBuffer),
		routes:   map[string]*RouteManager{},
		refs:     map[command.Header]int{},
	}
	q.Start(sctx)
	link.OnNotify(s.onNotify)
	log.WithFields(logFields).Infof("session started, limits %+v", limits)
	return s, nil
}

// onNotify runs on the transport's callback. Read responses go to the
// queue, log readout frames to a running download and everything else to
// the dispatcher.
func (s *Session) onNotify(frame []byte) {
	if s.queue.Offer(frame) {
		return
	}
	if s.offerReadout(frame) {
		return
	}
	s.dispatch.Notify(frame)
}

// Compile compiles p against the device's producers and free slots without
// sending anything. The reserved slots stay taken until the result is
// released or committed and removed.
func (s *Session) Compile(p *route.Plan) (*compiler.Compiled, error) {
	return s.compiler.Compile(p)
}

// Allocator is the slot allocator shared by the session's routes.
func (s *Session) Allocator() *compiler.Allocator {
	return s.compiler.Allocator()
}

// Route returns the active route with id.
func (s *Session) Route(id string) (*RouteManager, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.routes[id]
	return m, ok
}

// Routes returns the active routes ordered by creation.
func (s *Session) Routes() []*RouteManager {
	s.mu.RLock()
	out := make([]*RouteManager, 0, len(s.routes))
	for _, m := range s.routes {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

func (s *Session) add(m *RouteManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[m.id] = m
}

func (s *Session) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routes, id)
}

// retain counts one more enabled stream key on h and reports whether it is
// the first.
func (s *Session) retain(h command.Header) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[h]++
	return s.refs[h] == 1
}

// release drops one enabled stream key on h and reports whether it was the
// last.
func (s *Session) release(h command.Header) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[h] == 0 {
		return false
	}
	s.refs[h]--
	if s.refs[h] == 0 {
		delete(s.refs, h)
		return true
	}
	return false
}

// RemoveOrphans tears down the routes the store still lists as installed
// but this session does not own, typically left by an earlier process.
// Ids a live route already holds are left alone.
func (s *Session) RemoveOrphans(ctx context.Context) (int, error) {
	logFields := log.Fields{"fnct": "RemoveOrphans"}
	if s.store == nil {
		return 0, nil
	}
	records, err := s.store.Installed()
	if err != nil {
		return 0, err
	}
	alloc := s.compiler.Allocator()
	var errs error
	n := 0
	for _, rec := range records {
		if _, ok := s.Route(rec.ID); ok {
			continue
		}
		log.WithFields(logFields).Infof("removing orphaned route %s (%s)", rec.ID, rec.Name)
		// ids a live route reuses are neither torn down nor released
		owned := &compiler.Compiled{
			Processors: alloc.Claim(compiler.ProcessorSlot, rec.Processors...),
			Loggers:    alloc.Claim(compiler.LoggerSlot, rec.Loggers...),
			Events:     alloc.Claim(compiler.EventSlot, rec.Events...),
		}
		errs = multierr.Append(errs, s.sendEach(ctx, owned.Teardown()))
		owned.Release(alloc)
		if err := s.store.MarkRemoved(rec.ID); err != nil {
			errs = multierr.Append(errs, err)
		}
		n++
	}
	return n, errs
}

// sendEach sends every command even when some fail and returns the
// combined errors.
func (s *Session) sendEach(ctx context.Context, cmds []command.Command) error {
	var errs error
	for _, c := range cmds {
		errs = multierr.Append(errs, s.queue.Send(ctx, c))
	}
	return errs
}

// Close stops the queue and the dispatcher and closes the link. Installed
// routes stay on the device.
func (s *Session) Close() error {
	s.cancel()
	<-s.queue.Done()
	s.dispatch.Close()
	return s.link.Close()
}
