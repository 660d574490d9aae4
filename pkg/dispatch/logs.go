package dispatch

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/pat-rohn/go-dataroute/pkg/compiler"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LogEntryLen is the size of one readout entry: logger id, tick, 4 data
// bytes.
const LogEntryLen = 9

// DefaultTickPeriod is the duration of one device clock tick, 1.46484375ms
// truncated to whole nanoseconds.
const DefaultTickPeriod = 1464843 * time.Nanosecond

// LogEntry is one record read back from device memory.
type LogEntry struct {
	Logger byte
	Tick   uint32
	Data   [compiler.LoggerWidth]byte
}

// ParseLogEntries splits a readout notification payload into entries.
func ParseLogEntries(payload []byte) ([]LogEntry, error) {
	if len(payload)%LogEntryLen != 0 {
		return nil, errors.Wrapf(routeerr.ErrShortPayload, "readout of %d bytes is not a multiple of %d", len(payload), LogEntryLen)
	}
	out := make([]LogEntry, 0, len(payload)/LogEntryLen)
	for b := payload; len(b) > 0; b = b[LogEntryLen:] {
		e := LogEntry{Logger: b[0], Tick: binary.LittleEndian.Uint32(b[1:5])}
		copy(e.Data[:], b[5:9])
		out = append(out, e)
	}
	return out, nil
}

// TickRef anchors device ticks to wall clock time.
type TickRef struct {
	Tick   uint32
	Time   time.Time
	Period time.Duration
}

// At converts a device tick to wall clock time. Ticks before the reference
// give earlier times; the difference wraps like the device counter.
func (r TickRef) At(tick uint32) time.Time {
	period := r.Period
	if period <= 0 {
		period = DefaultTickPeriod
	}
	diff := int64(int32(tick - r.Tick))
	return r.Time.Add(time.Duration(diff) * period)
}

type logTarget struct {
	route string
	sub   compiler.Subscription
	// position of the logger inside the key's payload
	pos int
}

// keys are only unique within a route
type pendingKey struct {
	route string
	key   string
	tick  uint32
}

// LogAssembler rebuilds key payloads from per logger entries and stamps
// them with the time the device recorded them.
type LogAssembler struct {
	ref     TickRef
	targets map[byte]logTarget
	partial map[pendingKey][][]byte
}

func NewLogAssembler(ref TickRef) *LogAssembler {
	return &LogAssembler{ref: ref, targets: map[byte]logTarget{}, partial: map[pendingKey][][]byte{}}
}

// Add makes the log keys of route known to the assembler.
func (a *LogAssembler) Add(route string, subs map[string]compiler.Subscription) {
	for _, s := range subs {
		if s.Channel != compiler.Log {
			continue
		}
		for i, id := range s.LoggerIDs {
			a.targets[id] = logTarget{route: route, sub: s, pos: i}
		}
	}
}

// Entry folds e in. It returns a sample once every logger of the key has
// reported for e's tick.
func (a *LogAssembler) Entry(e LogEntry) (Data, bool, error) {
	t, ok := a.targets[e.Logger]
	if !ok {
		return Data{}, false, errors.Wrapf(routeerr.ErrNoSubscription, "logger %d", e.Logger)
	}
	k := pendingKey{route: t.route, key: t.sub.Key, tick: e.Tick}
	parts, ok := a.partial[k]
	if !ok {
		parts = make([][]byte, len(t.sub.LoggerIDs))
		a.partial[k] = parts
	}
	chunk := e.Data
	parts[t.pos] = chunk[:]
	for _, p := range parts {
		if p == nil {
			return Data{}, false, nil
		}
	}
	delete(a.partial, k)

	raw := make([]byte, 0, len(parts)*compiler.LoggerWidth)
	for _, p := range parts {
		raw = append(raw, p...)
	}
	raw = raw[:t.sub.Shape.Len()]
	d, err := NewData(t.route, t.sub, raw, a.ref.At(e.Tick))
	if err != nil {
		return Data{}, false, err
	}
	if d.AccountKind == token.AccountTime {
		d.Timestamp = a.ref.At(uint32(d.Account))
	}
	return d, true, nil
}

// Incomplete returns how many samples are still missing loggers and clears
// them.
func (a *LogAssembler) Incomplete() int {
	n := len(a.partial)
	if n > 0 {
		log.WithFields(log.Fields{"fnct": "Incomplete"}).Warnf("%d log samples without all loggers", n)
	}
	a.partial = map[pendingKey][][]byte{}
	return n
}

// Assemble runs entries through a fresh assembler and returns the samples
// in tick order.
func Assemble(ref TickRef, route string, subs map[string]compiler.Subscription, entries []LogEntry) []Data {
	logFields := log.Fields{"fnct": "Assemble", "route": route}
	a := NewLogAssembler(ref)
	a.Add(route, subs)
	var out []Data
	for _, e := range entries {
		d, ok, err := a.Entry(e)
		if err != nil {
			log.WithFields(logFields).Warn(err)
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
