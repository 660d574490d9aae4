package compiler

import (
	"sync"

	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
)

// SlotKind is a bounded on-device resource.
type SlotKind int

const (
	ProcessorSlot SlotKind = iota
	LoggerSlot
	EventSlot
)

func (k SlotKind) String() string {
	switch k {
	case ProcessorSlot:
		return "processor"
	case LoggerSlot:
		return "logger"
	default:
		return "event"
	}
}

// Limits are the device ceilings the compiler works against.
type Limits struct {
	MaxProcessors int
	MaxLoggers    int
	MaxEvents     int
	// MaxPacketLen is the largest payload a single notification carries.
	MaxPacketLen int
}

// DefaultLimits match the stock firmware.
var DefaultLimits = Limits{MaxProcessors: 28, MaxLoggers: 8, MaxEvents: 28, MaxPacketLen: 17}

// Allocator hands out device ids. One allocator is shared by every route
// installed on the same device.
type Allocator struct {
	mu   sync.Mutex
	max  [3]int
	used [3]map[byte]bool
}

func NewAllocator(l Limits) *Allocator {
	a := &Allocator{max: [3]int{l.MaxProcessors, l.MaxLoggers, l.MaxEvents}}
	for i := range a.used {
		a.used[i] = map[byte]bool{}
	}
	return a
}

// Reserve takes the n lowest free ids of kind, or none of them.
func (a *Allocator) Reserve(kind SlotKind, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	used := a.used[kind]
	ids := make([]byte, 0, n)
	for id := 0; id < a.max[kind] && id <= 0xff && len(ids) < n; id++ {
		if !used[byte(id)] {
			ids = append(ids, byte(id))
		}
	}
	if len(ids) < n {
		return nil, errors.Wrapf(routeerr.ErrResourceExhausted, "%s slots: need %d, %d of %d free",
			kind, n, len(ids), a.max[kind])
	}
	for _, id := range ids {
		used[id] = true
	}
	return ids, nil
}

// Release returns ids to the pool. Unknown ids are ignored.
func (a *Allocator) Release(kind SlotKind, ids ...byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		delete(a.used[kind], id)
	}
}

// Claim marks ids as taken, e.g. when restoring routes a previous process
// installed. It returns the ids that were free; the others already belong
// to someone else.
func (a *Allocator) Claim(kind SlotKind, ids ...byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	var claimed []byte
	for _, id := range ids {
		if !a.used[kind][id] {
			a.used[kind][id] = true
			claimed = append(claimed, id)
		}
	}
	return claimed
}

// InUse is the number of reserved ids of kind.
func (a *Allocator) InUse(kind SlotKind) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used[kind])
}
