package dataroute

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/pat-rohn/go-dataroute/pkg/route"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// State is the lifecycle state of a route.
type State int

const (
	Committing State = iota
	Active
	Removed
)

func (s State) String() string {
	switch s {
	case Committing:
		return "committing"
	case Active:
		return "active"
	default:
		return "removed"
	}
}

// RouteManager is the handle of a route installed on the device. It owns
// the route's compiled form and the handlers bound to its keys.
type RouteManager struct {
	id       string
	name     string
	created  time.Time
	session  *Session
	compiled *compiler.Compiled

	mu       sync.RWMutex
	state    State
	handlers map[string]dispatch.Handler
	// stream keys whose notifications are switched on
	enabled map[string]bool
}

type commitOptions struct {
	name     string
	handlers map[string]dispatch.Handler
}

// CommitOption configures Commit.
type CommitOption func(*commitOptions)

// WithName names the route. Unnamed routes are listed by id.
func WithName(name string) CommitOption {
	return func(o *commitOptions) { o.name = name }
}

// WithHandler binds h to key from the start, so no sample is missed.
func WithHandler(key string, h dispatch.Handler) CommitOption {
	return func(o *commitOptions) { o.handlers[key] = h }
}

// Commit compiles p and installs it. Build and compile errors are returned
// before anything is sent. If the device rejects a command the rest of the
// batch is not sent, whatever was installed is torn down again and no
// manager is returned.
func (s *Session) Commit(ctx context.Context, p *route.Plan, opts ...CommitOption) (*RouteManager, error) {
	o := commitOptions{handlers: map[string]dispatch.Handler{}}
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	logFields := log.Fields{"fnct": "Commit", "route": id, "name": o.name}

	compiled, err := s.compiler.Compile(p)
	if err != nil {
		s.metrics.committed(err)
		return nil, err
	}
	alloc := s.compiler.Allocator()
	for key := range o.handlers {
		sub, ok := compiled.Subscriptions[key]
		if !ok || sub.Channel == compiler.React {
			compiled.Release(alloc)
			err := errors.Wrapf(routeerr.ErrUnknownKey, "handler for %q", key)
			s.metrics.committed(err)
			return nil, err
		}
	}

	m := &RouteManager{
		id:       id,
		name:     o.name,
		created:  s.clock.Now(),
		session:  s,
		compiled: compiled,
		state:    Committing,
		handlers: o.handlers,
		enabled:  map[string]bool{},
	}
	// registered before the batch so samples following an enable command
	// reach the handlers given with WithHandler
	s.dispatch.Register(id, compiled.Subscriptions, m)

	log.WithFields(logFields).Infof("installing %d commands", len(compiled.Commands))
	sent, err := s.queue.SendBatch(ctx, compiled.Commands)
	if err != nil {
		s.dispatch.Unregister(id)
		if sent > 0 {
			if terr := s.sendEach(ctx, compiled.Teardown()); terr != nil {
				log.WithFields(logFields).Warnf("teardown after failed commit: %v", terr)
			}
		}
		compiled.Release(alloc)
		m.setState(Removed)
		err = errors.WithMessagef(err, "commit %s: %d of %d commands sent", id, sent, len(compiled.Commands))
		log.WithFields(logFields).Error(err)
		s.metrics.committed(err)
		return nil, err
	}

	for key, sub := range compiled.Subscriptions {
		if sub.Channel == compiler.Stream {
			m.enabled[key] = true
			s.retain(sub.Header)
		}
	}
	m.setState(Active)
	s.add(m)
	if s.store != nil {
		if err := s.store.Save(m.record()); err != nil {
			log.WithFields(logFields).Errorf("persisting route failed: %v", err)
		}
	}
	s.metrics.committed(nil)
	log.WithFields(logFields).Infof("route active, keys %v", compiled.Keys())
	return m, nil
}

func (m *RouteManager) ID() string { return m.id }

func (m *RouteManager) Name() string { return m.name }

func (m *RouteManager) Compiled() *compiler.Compiled { return m.compiled }

func (m *RouteManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *RouteManager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

// Info summarizes the route for listings.
func (m *RouteManager) Info() RouteInfo {
	return RouteInfo{
		ID:       m.id,
		Name:     m.name,
		State:    m.State().String(),
		Keys:     m.compiled.Keys(),
		Commands: len(m.compiled.Commands),
	}
}

// Handler returns the handler bound to key. Nothing is delivered once the
// route is removed.
func (m *RouteManager) Handler(key string) (dispatch.Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == Removed {
		return nil, false
	}
	h, ok := m.handlers[key]
	return h, ok
}

func (m *RouteManager) subscription(key string) (compiler.Subscription, error) {
	sub, ok := m.compiled.Subscriptions[key]
	if !ok {
		return sub, errors.Wrapf(routeerr.ErrUnknownKey, "%q", key)
	}
	if sub.Channel == compiler.React {
		return sub, errors.Wrapf(routeerr.ErrUnknownKey, "%q is a react key", key)
	}
	return sub, nil
}

// Subscribe binds h to key, replacing an earlier handler. A stream key
// whose notifications were switched off is switched on again.
func (m *RouteManager) Subscribe(ctx context.Context, key string, h dispatch.Handler) error {
	logFields := log.Fields{"fnct": "Subscribe", "route": m.id, "key": key}
	sub, err := m.subscription(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return errors.Wrapf(routeerr.ErrRouteRemoved, "route %s", m.id)
	}
	if sub.Channel == compiler.Stream && !m.enabled[key] {
		if m.session.retain(sub.Header) {
			cmd, _ := sub.Enable(true)
			if err := m.session.queue.Send(ctx, cmd); err != nil {
				m.session.release(sub.Header)
				return err
			}
		}
		m.enabled[key] = true
	}
	m.handlers[key] = h
	log.WithFields(logFields).Debugln("subscribed")
	return nil
}

// Unsubscribe unbinds key. It reports false, and sends nothing, when key
// had neither a handler nor live notifications. Notifications of a
// register other keys still read stay on.
func (m *RouteManager) Unsubscribe(ctx context.Context, key string) (bool, error) {
	logFields := log.Fields{"fnct": "Unsubscribe", "route": m.id, "key": key}
	sub, err := m.subscription(key)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return false, errors.Wrapf(routeerr.ErrRouteRemoved, "route %s", m.id)
	}
	_, had := m.handlers[key]
	on := m.enabled[key]
	if !had && !on {
		return false, nil
	}
	if on {
		if m.session.release(sub.Header) {
			cmd, _ := sub.Enable(false)
			if err := m.session.queue.Send(ctx, cmd); err != nil {
				m.session.retain(sub.Header)
				return false, err
			}
		}
		delete(m.enabled, key)
	}
	delete(m.handlers, key)
	log.WithFields(logFields).Debugln("unsubscribed")
	return true, nil
}

// Remove tears the route down on the device. The route ends Removed and
// its slots are free again even when teardown commands fail; those
// failures are returned combined.
func (m *RouteManager) Remove(ctx context.Context) error {
	logFields := log.Fields{"fnct": "Remove", "route": m.id}
	m.mu.Lock()
	if m.state != Active {
		m.mu.Unlock()
		return errors.Wrapf(routeerr.ErrRouteRemoved, "route %s", m.id)
	}
	m.state = Removed
	enabled := m.enabled
	m.enabled = map[string]bool{}
	m.handlers = map[string]dispatch.Handler{}
	m.mu.Unlock()

	s := m.session
	s.dispatch.Unregister(m.id)
	s.forget(m.id)

	cmds := m.compiled.Teardown()
	for key := range enabled {
		sub := m.compiled.Subscriptions[key]
		// processor notifications end with the processor
		if s.release(sub.Header) && sub.Header.Module != command.ModDataProcessor {
			cmd, _ := sub.Enable(false)
			cmds = append(cmds, cmd)
		}
	}
	errs := s.sendEach(ctx, cmds)
	m.compiled.Release(s.compiler.Allocator())
	if s.store != nil {
		errs = multierr.Append(errs, s.store.MarkRemoved(m.id))
	}
	s.metrics.removed(errs)
	if errs != nil {
		log.WithFields(logFields).Warnf("teardown incomplete: %v", errs)
		return errors.WithMessagef(errs, "remove %s", m.id)
	}
	log.WithFields(logFields).Infoln("route removed")
	return nil
}

func (m *RouteManager) record() RouteRecord {
	return RouteRecord{
		ID:         m.id,
		Name:       m.name,
		Created:    m.created,
		Keys:       m.compiled.Keys(),
		Processors: m.compiled.Processors,
		Loggers:    m.compiled.Loggers,
		Events:     m.compiled.Events,
	}
}
