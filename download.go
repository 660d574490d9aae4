package dataroute

import (
	"context"
	"encoding/binary"
	"runtime/debug"
	"sort"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SampleSink stores samples read back from the device log.
type SampleSink interface {
	Store(samples []dispatch.Data) error
}

// DownloadOptions selects what happens after the log was read.
type DownloadOptions struct {
	// Erase clears the device log once every entry arrived.
	Erase bool
	// Persist hands the samples to the session's SampleSink.
	Persist bool
}

// Download reads the whole device log, rebuilds the samples of every log
// key of the active routes and hands them to the keys' handlers in time
// order. Only one download runs at a time.
func (s *Session) Download(ctx context.Context, opts DownloadOptions) ([]dispatch.Data, error) {
	if !s.download.TryAcquire(1) {
		return nil, errors.Wrap(routeerr.ErrBusy, "log download in progress")
	}
	defer s.download.Release(1)
	samples, err := s.downloadLog(ctx, opts)
	s.metrics.downloaded(len(samples), err)
	return samples, err
}

func (s *Session) downloadLog(ctx context.Context, opts DownloadOptions) ([]dispatch.Data, error) {
	logFields := log.Fields{"fnct": "Download"}
	tick, err := s.readU32(ctx, command.LogTime)
	if err != nil {
		return nil, errors.WithMessage(err, "log time")
	}
	period := s.cfg.Log.TickPeriod
	if period <= 0 {
		period = dispatch.DefaultTickPeriod
	}
	ref := dispatch.TickRef{Tick: tick, Time: s.clock.Now(), Period: period}

	n, err := s.readU32(ctx, command.LogLength)
	if err != nil {
		return nil, errors.WithMessage(err, "log length")
	}
	log.WithFields(logFields).Infof("%d log entries, device tick %d", n, tick)
	var entries []dispatch.LogEntry
	if n > 0 {
		if entries, err = s.collect(ctx, n); err != nil {
			return nil, err
		}
	}

	samples := s.assemble(ref, entries)
	for _, d := range samples {
		s.deliverLogged(d)
	}
	if opts.Persist && s.samples != nil && len(samples) > 0 {
		if err := s.samples.Store(samples); err != nil {
			return samples, errors.WithMessage(err, "persisting samples")
		}
	}
	if opts.Erase {
		if err := s.queue.Send(ctx, command.Write(command.ModLogging, command.LogErase)); err != nil {
			return samples, errors.WithMessage(err, "erasing log")
		}
	}
	log.WithFields(logFields).Infof("%d samples from %d entries", len(samples), len(entries))
	return samples, nil
}

func (s *Session) readU32(ctx context.Context, register byte) (uint32, error) {
	raw, err := s.queue.Read(ctx, command.ReadOf(command.ModLogging, register))
	if err != nil {
		return 0, err
	}
	if len(raw) < 4 {
		return 0, errors.Wrapf(routeerr.ErrShortPayload, "register 0x%02x answered %d bytes", register, len(raw))
	}
	return binary.LittleEndian.Uint32(raw), nil
}

func (s *Session) offerReadout(frame []byte) bool {
	if !s.reading.Load() || len(frame) < 2 || command.Module(frame[0]) != command.ModLogging {
		return false
	}
	reg := frame[1] &^ command.ReadFlag
	if reg != command.LogReadoutNotify && reg != command.LogReadoutProgress {
		return false
	}
	select {
	case s.readout <- append([]byte(nil), frame...):
	default:
		log.WithFields(log.Fields{"fnct": "offerReadout"}).Warnf("readout buffer full, dropping % x", frame)
	}
	return true
}

// collect requests a readout of n entries and gathers them until the
// device reports nothing remains.
func (s *Session) collect(ctx context.Context, n uint32) ([]dispatch.LogEntry, error) {
	logFields := log.Fields{"fnct": "collect", "entries": n}
	for drained := false; !drained; {
		select {
		case <-s.readout:
		default:
			drained = true
		}
	}
	s.reading.Store(true)
	defer s.reading.Store(false)

	delta := n / 10
	if delta == 0 {
		delta = 1
	}
	req := make([]byte, 8)
	binary.LittleEndian.PutUint32(req, n)
	binary.LittleEndian.PutUint32(req[4:], delta)
	if err := s.queue.Send(ctx, command.Write(command.ModLogging, command.LogReadout, req...)); err != nil {
		return nil, errors.WithMessage(err, "log readout")
	}

	idle := s.cfg.Log.IdleTimeout
	if idle <= 0 {
		idle = 5 * time.Second
	}
	timer := s.clock.Timer(idle)
	defer timer.Stop()
	entries := make([]dispatch.LogEntry, 0, n)
	for {
		select {
		case f := <-s.readout:
			timer.Reset(idle)
			switch f[1] &^ command.ReadFlag {
			case command.LogReadoutNotify:
				es, err := dispatch.ParseLogEntries(f[2:])
				if err != nil {
					log.WithFields(logFields).Warn(err)
					continue
				}
				entries = append(entries, es...)
			case command.LogReadoutProgress:
				if len(f) < 6 {
					log.WithFields(logFields).Warnf("short progress frame % x", f)
					continue
				}
				remaining := binary.LittleEndian.Uint32(f[2:])
				log.WithFields(logFields).Debugf("%d entries remaining", remaining)
				if remaining == 0 {
					return entries, nil
				}
			}
		case <-timer.C:
			return nil, errors.Wrapf(routeerr.ErrTimeout, "log readout stalled after %d of %d entries", len(entries), n)
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "log readout")
		}
	}
}

// assemble joins entries into samples of the active routes' log keys.
func (s *Session) assemble(ref dispatch.TickRef, entries []dispatch.LogEntry) []dispatch.Data {
	logFields := log.Fields{"fnct": "assemble"}
	a := dispatch.NewLogAssembler(ref)
	for _, m := range s.Routes() {
		a.Add(m.id, m.compiled.Subscriptions)
	}
	var out []dispatch.Data
	for _, e := range entries {
		d, ok, err := a.Entry(e)
		if err != nil {
			log.WithFields(logFields).Debug(err)
			continue
		}
		if ok {
			out = append(out, d)
		}
	}
	a.Incomplete()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *Session) deliverLogged(d dispatch.Data) {
	logFields := log.Fields{"fnct": "deliverLogged", "route": d.Route, "key": d.Key}
	m, ok := s.Route(d.Route)
	if !ok {
		return
	}
	h, ok := m.Handler(d.Key)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logFields).Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	h(d)
}
