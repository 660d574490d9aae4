package dataroute

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/dispatch"
	"github.com/pat-rohn/go-dataroute/pkg/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var _ transport.Transport = (*SimDevice)(nil)

// SimDevice is an in-memory device. It acknowledges every write, answers
// the log registers from an in-memory log and delivers notifications in
// the order they were produced.
type SimDevice struct {
	maxLen int

	mu       sync.Mutex
	writes   [][]byte
	fail     func(frame []byte) error
	listener func([]byte)
	tick     uint32
	entries  []dispatch.LogEntry

	frames chan []byte
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSimDevice starts a device whose notifications carry at most
// maxPacketLen payload bytes.
func NewSimDevice(maxPacketLen int) *SimDevice {
	d := &SimDevice{
		maxLen: maxPacketLen,
		frames: make(chan []byte, 1024),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.deliver()
	return d
}

func (d *SimDevice) deliver() {
	defer d.wg.Done()
	for {
		select {
		case f := <-d.frames:
			d.mu.Lock()
			l := d.listener
			d.mu.Unlock()
			if l != nil {
				l(f)
			}
		case <-d.done:
			return
		}
	}
}

func (d *SimDevice) Write(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail != nil {
		if err := fail(frame); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.writes = append(d.writes, append([]byte(nil), frame...))
	d.mu.Unlock()
	d.respond(frame)
	return nil
}

func (d *SimDevice) OnNotify(listener func([]byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = listener
}

func (d *SimDevice) MaxPacketLen() int { return d.maxLen }

func (d *SimDevice) Close() error {
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
	})
	return nil
}

// Writes returns every frame written so far.
func (d *SimDevice) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.writes...)
}

// TakeWrites returns the frames written so far and forgets them.
func (d *SimDevice) TakeWrites() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	w := d.writes
	d.writes = nil
	return w
}

// FailWhen makes writes fail whenever f returns an error. nil accepts
// everything again.
func (d *SimDevice) FailWhen(f func(frame []byte) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = f
}

// FailAfter accepts n more writes and rejects the rest.
func (d *SimDevice) FailAfter(n int) {
	var mu sync.Mutex
	d.FailWhen(func(frame []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if n <= 0 {
			return errors.Errorf("device rejected % x", frame)
		}
		n--
		return nil
	})
}

// SetTick sets the device clock reported by the log time register.
func (d *SimDevice) SetTick(tick uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick = tick
}

// Record appends entries to the device log.
func (d *SimDevice) Record(entries ...dispatch.LogEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entries...)
}

// Logged returns the number of log entries held.
func (d *SimDevice) Logged() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Inject queues a raw notification frame.
func (d *SimDevice) Inject(frame []byte) {
	select {
	case d.frames <- append([]byte(nil), frame...):
	case <-d.done:
	}
}

// Emit sends payload from header h, split into packets of at most
// MaxPacketLen bytes.
func (d *SimDevice) Emit(h command.Header, payload []byte) {
	for len(payload) > 0 {
		n := len(payload)
		if n > d.maxLen {
			n = d.maxLen
		}
		d.Inject(h.Frame(payload[:n]))
		payload = payload[n:]
	}
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func (d *SimDevice) respond(frame []byte) {
	logFields := log.Fields{"fnct": "respond"}
	if len(frame) < 2 || command.Module(frame[0]) != command.ModLogging {
		return
	}
	logHeader := func(reg byte) command.Header {
		return command.Header{Module: command.ModLogging, Register: reg}
	}
	var out [][]byte
	emit := func(f []byte) { out = append(out, f) }
	d.mu.Lock()
	switch frame[1] {
	case command.LogTime | command.ReadFlag:
		emit(logHeader(command.LogTime).Frame(u32(d.tick)))
	case command.LogLength | command.ReadFlag:
		emit(logHeader(command.LogLength).Frame(u32(uint32(len(d.entries)))))
	case command.LogReadout:
		if len(frame) < 6 {
			log.WithFields(logFields).Warnf("short readout request % x", frame)
			break
		}
		n := int(binary.LittleEndian.Uint32(frame[2:]))
		if n > len(d.entries) {
			n = len(d.entries)
		}
		per := d.maxLen / dispatch.LogEntryLen
		if per == 0 {
			per = 1
		}
		remaining := n
		for i := 0; i < n; i += per {
			end := i + per
			if end > n {
				end = n
			}
			var body []byte
			for _, e := range d.entries[i:end] {
				body = append(body, e.Logger)
				body = append(body, u32(e.Tick)...)
				body = append(body, e.Data[:]...)
			}
			emit(logHeader(command.LogReadoutNotify).Frame(body))
			remaining -= end - i
			if remaining > 0 {
				emit(logHeader(command.LogReadoutProgress).Frame(u32(uint32(remaining))))
			}
		}
		emit(logHeader(command.LogReadoutProgress).Frame(u32(0)))
	case command.LogErase:
		d.entries = nil
	}
	d.mu.Unlock()
	for _, f := range out {
		d.Inject(f)
	}
}
