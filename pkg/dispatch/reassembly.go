package dispatch

import (
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// partial is a payload still missing packets.
type partial struct {
	started  time.Time
	expected int
	buf      []byte
}

// reassemble appends payload to the pending entry of h. It returns the
// complete payload once expected bytes are collected; the entry is cleared
// at that point so the next packet starts a new payload.
func (d *Dispatcher) reassemble(h command.Header, payload []byte, expected int, at time.Time) ([]byte, bool, error) {
	logFields := log.Fields{"fnct": "reassemble", "header": h.String()}
	d.pendMu.Lock()
	defer d.pendMu.Unlock()

	p, ok := d.pending.Get(h)
	if ok && at.Sub(p.started) > d.cfg.ReassemblyTimeout {
		d.cfg.Metrics.drop("timeout")
		log.WithFields(logFields).Warnf("%v: discarding %d of %d bytes", routeerr.ErrTimeout, len(p.buf), p.expected)
		d.pending.Remove(h)
		ok = false
	}
	if !ok {
		p = &partial{started: at, expected: expected, buf: make([]byte, 0, expected)}
	}
	if len(p.buf)+len(payload) > expected {
		d.pending.Remove(h)
		return nil, false, errors.Wrapf(routeerr.ErrPayloadOverrun, "%s: %d + %d bytes, expected %d",
			h, len(p.buf), len(payload), expected)
	}
	p.buf = append(p.buf, payload...)
	if len(p.buf) == expected {
		d.pending.Remove(h)
		return p.buf, true, nil
	}
	if evicted := d.pending.Add(h, p); evicted {
		d.cfg.Metrics.drop("evicted")
		log.WithFields(logFields).Warn("pending table full, oldest partial payload dropped")
	}
	return nil, false, nil
}

// Expire drops partial payloads older than the reassembly timeout and
// returns how many were dropped.
func (d *Dispatcher) Expire() int {
	logFields := log.Fields{"fnct": "Expire"}
	now := d.cfg.Clock.Now()
	d.pendMu.Lock()
	defer d.pendMu.Unlock()
	n := 0
	for _, h := range d.pending.Keys() {
		p, ok := d.pending.Peek(h)
		if ok && now.Sub(p.started) > d.cfg.ReassemblyTimeout {
			d.pending.Remove(h)
			n++
		}
	}
	if n > 0 {
		d.cfg.Metrics.drop("timeout")
		log.WithFields(logFields).Warnf("%v: %d partial payloads", routeerr.ErrTimeout, n)
	}
	return n
}

// Pending is the number of partial payloads held.
func (d *Dispatcher) Pending() int {
	d.pendMu.Lock()
	defer d.pendMu.Unlock()
	return d.pending.Len()
}
