package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/streamcaption/pkg/audio"
	"github.com/MrWong99/streamcaption/pkg/provider/stt/mock"
)

// eventLog records teardown steps across fakes.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(e string) int {
	for i, v := range l.snapshot() {
		if v == e {
			return i
		}
	}
	return -1
}

type fakeCapture struct {
	log *eventLog

	startErr  error
	stopErr   error
	stopDelay time.Duration

	chunks    chan audio.Chunk
	closeOnce sync.Once
	stopOnce  sync.Once

	mu      sync.Mutex
	err     error
	started bool
	stops   int
}

func newFakeCapture(log *eventLog) *fakeCapture {
	return &fakeCapture{log: log, chunks: make(chan audio.Chunk, 16)}
}

func (f *fakeCapture) Start(_ context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
	f.log.add("capture.start")
	return nil
}

func (f *fakeCapture) Chunks() <-chan audio.Chunk { return f.chunks }

func (f *fakeCapture) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.stopOnce.Do(func() {
		time.Sleep(f.stopDelay)
		f.log.add("capture.stop")
	})
	f.end(nil)
	return f.stopErr
}

// feed queues n chunks of size bytes.
func (f *fakeCapture) feed(n, size int) {
	for i := range n {
		f.chunks <- audio.Chunk{Data: make([]byte, size), Seq: uint64(i)}
	}
}

// end closes the chunk channel, as the capture process exiting would.
func (f *fakeCapture) end(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.chunks)
	})
}

func (f *fakeCapture) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeConditioner struct {
	log      *eventLog
	withhold int

	mu     sync.Mutex
	seen   int
	resets int
}

func (c *fakeConditioner) Submit(chunk []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen++
	if c.seen <= c.withhold {
		return nil, false
	}
	return chunk, true
}

func (c *fakeConditioner) Reset() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
	c.log.add("cond.reset")
}

func (c *fakeConditioner) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// loggedSession adds sink steps to the shared event log.
type loggedSession struct {
	*mock.Session
	log *eventLog
}

func (s *loggedSession) EndStream() error {
	s.log.add("sink.end")
	return s.Session.EndStream()
}

func (s *loggedSession) Close() error {
	s.log.add("sink.close")
	return s.Session.Close()
}
