// Package queue owns the command channel to the device. A single goroutine
// executes requests one at a time in submission order; callers talk to it
// only through requests and the result channel each request returns.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Writer sends one frame and returns once the link acknowledged it.
type Writer interface {
	Write(ctx context.Context, frame []byte) error
}

// Result completes a request. Sent counts the commands the link accepted.
type Result struct {
	Sent     int
	Response []byte
	Err      error
}

type request struct {
	cmds  []command.Command
	await *command.Header
	reply chan Result
}

// Config tunes a Queue.
type Config struct {
	Depth          int
	CommandTimeout time.Duration
	Registerer     prometheus.Registerer
	// Clock times response waits; nil uses the wall clock.
	Clock clock.Clock
}

const (
	DefaultDepth          = 32
	DefaultCommandTimeout = time.Second
)

// Queue serializes all device commands.
type Queue struct {
	w       Writer
	cfg     Config
	reqs    chan *request
	resp    chan []byte
	waiting atomic.Pointer[command.Header]
	done    chan struct{}
	stopped chan struct{}
	metrics *metrics
}

func New(w Writer, cfg Config) (*Queue, error) {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	return &Queue{
		w:       w,
		cfg:     cfg,
		reqs:    make(chan *request, cfg.Depth),
		resp:    make(chan []byte, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: m,
	}, nil
}

// Start runs the queue until ctx is done. Requests still queued then fail
// with ErrQueueClosed.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.stopped)
		for {
			select {
			case <-ctx.Done():
				close(q.done)
				q.drain()
				return
			case r := <-q.reqs:
				r.reply <- q.execute(ctx, r)
			}
		}
	}()
}

// Done is closed once the queue stopped.
func (q *Queue) Done() <-chan struct{} { return q.stopped }

func (q *Queue) drain() {
	for {
		select {
		case r := <-q.reqs:
			r.reply <- Result{Err: routeerr.ErrQueueClosed}
		default:
			return
		}
	}
}

func (q *Queue) execute(ctx context.Context, r *request) Result {
	logFields := log.Fields{"fnct": "execute", "commands": len(r.cmds)}
	if r.await != nil {
		// forget responses that arrived for an earlier, timed out read
		select {
		case <-q.resp:
		default:
		}
		q.waiting.Store(r.await)
		defer q.waiting.Store(nil)
	}
	for i, c := range r.cmds {
		cctx, cancel := context.WithTimeout(ctx, q.cfg.CommandTimeout)
		err := q.w.Write(cctx, c.Bytes())
		cancel()
		if err != nil {
			q.metrics.failed()
			log.WithFields(logFields).Errorf("command %d %s: %v", i, c, err)
			return Result{Sent: i, Err: errors.Wrapf(routeerr.ErrCommandFailed, "%s: %v", c, err)}
		}
		q.metrics.sent()
		log.WithFields(logFields).Tracef("sent %s", c)
	}
	if r.await == nil {
		return Result{Sent: len(r.cmds)}
	}
	t := q.cfg.Clock.Timer(q.cfg.CommandTimeout)
	defer t.Stop()
	select {
	case f := <-q.resp:
		return Result{Sent: len(r.cmds), Response: f[r.await.Len():]}
	case <-t.C:
		q.metrics.failed()
		return Result{Sent: len(r.cmds), Err: errors.Wrapf(routeerr.ErrTimeout, "no response %s", r.await)}
	case <-ctx.Done():
		return Result{Sent: len(r.cmds), Err: routeerr.ErrQueueClosed}
	}
}

// Submit queues cmds as one batch and returns the channel its result is
// delivered on. The batch stops at the first failing command.
func (q *Queue) Submit(cmds ...command.Command) <-chan Result {
	return q.submit(&request{cmds: cmds, reply: make(chan Result, 1)})
}

func (q *Queue) submit(r *request) <-chan Result {
	select {
	case <-q.done:
		r.reply <- Result{Err: routeerr.ErrQueueClosed}
		return r.reply
	default:
	}
	select {
	case q.reqs <- r:
	case <-q.done:
		r.reply <- Result{Err: routeerr.ErrQueueClosed}
	}
	return r.reply
}

func wait(ctx context.Context, ch <-chan Result) Result {
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return Result{Err: errors.Wrap(ctx.Err(), "waiting for device")}
	}
}

// Send executes one command.
func (q *Queue) Send(ctx context.Context, cmd command.Command) error {
	return wait(ctx, q.Submit(cmd)).Err
}

// SendBatch executes cmds in order and returns how many were accepted.
func (q *Queue) SendBatch(ctx context.Context, cmds []command.Command) (int, error) {
	if len(cmds) == 0 {
		return 0, nil
	}
	r := wait(ctx, q.Submit(cmds...))
	return r.Sent, r.Err
}

// Read sends a read command and returns the payload of the response
// notification.
func (q *Queue) Read(ctx context.Context, cmd command.Command) ([]byte, error) {
	h := cmd.Response()
	if cmd.HasIndex {
		h.HasIndex = true
		h.Index = cmd.Index
	}
	r := wait(ctx, q.submit(&request{cmds: []command.Command{cmd}, await: &h, reply: make(chan Result, 1)}))
	return r.Response, r.Err
}

// Offer hands a notification frame to the queue. It returns true when the
// frame answers the read in progress and must not be dispatched elsewhere.
func (q *Queue) Offer(frame []byte) bool {
	h := q.waiting.Load()
	if h == nil || !h.Matches(frame) {
		return false
	}
	select {
	case q.resp <- append([]byte(nil), frame...):
	default:
	}
	return true
}
