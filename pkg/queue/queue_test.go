package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames [][]byte
	failAt int
	onSend func([]byte)
}

func (f *fakeWriter) Write(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.frames)+1 == f.failAt {
		return errors.New("rejected")
	}
	f.frames = append(f.frames, frame)
	if f.onSend != nil {
		go f.onSend(frame)
	}
	return nil
}

func (f *fakeWriter) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func start(t *testing.T, w Writer, cfg Config) *Queue {
	t.Helper()
	q, err := New(w, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	return q
}

func cmds(n int) []command.Command {
	var out []command.Command
	for i := 0; i < n; i++ {
		out = append(out, command.WriteAt(command.ModDataProcessor, command.ProcAdd, byte(i)))
	}
	return out
}

func TestBatchInOrder(t *testing.T) {
	w := &fakeWriter{}
	q := start(t, w, Config{})
	n, err := q.SendBatch(context.Background(), cmds(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][]byte{{0x09, 0x02, 0}, {0x09, 0x02, 1}, {0x09, 0x02, 2}}, w.sent())
}

func TestBatchStopsAtFirstFailure(t *testing.T) {
	w := &fakeWriter{failAt: 2}
	q := start(t, w, Config{})
	n, err := q.SendBatch(context.Background(), cmds(4))
	assert.True(t, errors.Is(err, routeerr.ErrCommandFailed))
	assert.Equal(t, 1, n)
	assert.Len(t, w.sent(), 1)
}

func TestConcurrentCallersSerialized(t *testing.T) {
	w := &fakeWriter{}
	q := start(t, w, Config{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.SendBatch(context.Background(), cmds(4))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	sent := w.sent()
	require.Len(t, sent, 32)
	// batches never interleave
	for i := 0; i < len(sent); i += 4 {
		for j := 0; j < 4; j++ {
			assert.Equal(t, byte(j), sent[i+j][2])
		}
	}
}

func TestReadMatchesResponse(t *testing.T) {
	var q *Queue
	w := &fakeWriter{onSend: func(frame []byte) {
		assert.False(t, q.Offer([]byte{0x09, 0x03, 0x01, 0xaa}), "unrelated frame")
		assert.True(t, q.Offer([]byte{0x0b, 0x84, 0x10, 0x20, 0x00, 0x00}))
	}}
	q = start(t, w, Config{})
	resp, err := q.Read(context.Background(), command.ReadOf(command.ModLogging, command.LogTime))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x20, 0x00, 0x00}, resp)
	assert.False(t, q.Offer([]byte{0x0b, 0x84, 0x10}), "no read in progress")
}

func TestReadTimeout(t *testing.T) {
	q := start(t, &fakeWriter{}, Config{CommandTimeout: 20 * time.Millisecond})
	_, err := q.Read(context.Background(), command.ReadOf(command.ModLogging, command.LogLength))
	assert.True(t, errors.Is(err, routeerr.ErrTimeout))
}

func TestReadTimeoutFollowsClock(t *testing.T) {
	mock := clock.NewMock()
	q := start(t, &fakeWriter{}, Config{CommandTimeout: time.Hour, Clock: mock})
	res := make(chan error, 1)
	go func() {
		_, err := q.Read(context.Background(), command.ReadOf(command.ModLogging, command.LogLength))
		res <- err
	}()

	select {
	case <-res:
		t.Fatal("read finished before the clock moved")
	case <-time.After(50 * time.Millisecond):
	}
	var err error
	require.Eventually(t, func() bool {
		mock.Add(time.Hour)
		select {
		case err = <-res:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(err, routeerr.ErrTimeout))
}

func TestClosedQueue(t *testing.T) {
	q, err := New(&fakeWriter{}, Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()
	<-q.Done()
	err = q.Send(context.Background(), command.Write(command.ModLED, 0x01))
	assert.True(t, errors.Is(err, routeerr.ErrQueueClosed))
}
