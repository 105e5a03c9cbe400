package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/des-testbed/des-chan/internal/mesh"
)

// TimerID identifies a scheduled timer; the zero value is never issued.
type TimerID int64

// Loop is the cooperative driver an agent runs on: one goroutine executes
// posted tasks and due timers, one at a time. Handlers therefore never race
// each other and must never block.
type Loop struct {
	clock mesh.Clock

	tasks  chan func()
	wakeup chan struct{}
	quit   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	timers timerHeap
	byID   map[TimerID]*timerEntry
	nextID TimerID
}

type timerEntry struct {
	id        TimerID
	at        time.Time
	period    time.Duration // 0 for one-shot
	fn        func()
	cancelled bool
}

func NewLoop(clock mesh.Clock) *Loop {
	return &Loop{
		clock:  clock,
		tasks:  make(chan func(), 256),
		wakeup: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		byID:   map[TimerID]*timerEntry{},
	}
}

func (l *Loop) Now() time.Time { return l.clock.Now() }

func (l *Loop) Clock() mesh.Clock { return l.clock }

// Run processes tasks and timers until Stop is called. It is the only
// goroutine that executes callbacks.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		var wake <-chan time.Time
		if at, ok := l.nextDeadline(); ok {
			d := at.Sub(l.clock.Now())
			if d <= 0 {
				l.runDue()
				continue
			}
			wake = l.clock.After(d)
			// the clock may have been advanced between Now and After;
			// without this re-check a due timer could strand
			if !at.After(l.clock.Now()) {
				l.runDue()
				continue
			}
		}

		select {
		case <-l.quit:
			return
		case fn := <-l.tasks:
			// due timers run first so a stream of tasks cannot starve them
			l.runDue()
			fn()
		case <-wake:
			l.runDue()
		case <-l.wakeup:
			// a timer was inserted or cancelled; recompute the deadline
		}
	}
}

// Stop halts the loop and waits for it to exit. Pending tasks are dropped.
func (l *Loop) Stop() {
	close(l.quit)
	<-l.done
}

// Done is closed once Run has exited. Tasks posted after that are dropped,
// so callers waiting on a posted result must also select on Done.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn for execution on the loop. Safe from any goroutine.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

// Sync blocks until every task posted before it has executed. Must not be
// called from loop context.
func (l *Loop) Sync() {
	ch := make(chan struct{})
	l.Post(func() { close(ch) })
	select {
	case <-ch:
	case <-l.quit:
	}
}

// After schedules fn once, d from now.
func (l *Loop) After(d time.Duration, fn func()) TimerID {
	return l.schedule(d, 0, fn)
}

// Every schedules fn repeatedly with period d, first firing d from now.
func (l *Loop) Every(d time.Duration, fn func()) TimerID {
	return l.schedule(d, d, fn)
}

// Cancel stops a timer. Cancelling an already-fired one-shot is a no-op.
func (l *Loop) Cancel(id TimerID) {
	l.mu.Lock()
	if e, ok := l.byID[id]; ok {
		e.cancelled = true
		delete(l.byID, id)
	}
	l.mu.Unlock()
	l.poke()
}

func (l *Loop) schedule(d, period time.Duration, fn func()) TimerID {
	l.mu.Lock()
	l.nextID++
	e := &timerEntry{
		id:     l.nextID,
		at:     l.clock.Now().Add(d),
		period: period,
		fn:     fn,
	}
	l.byID[e.id] = e
	heap.Push(&l.timers, e)
	l.mu.Unlock()
	l.poke()
	return e.id
}

func (l *Loop) poke() {
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

func (l *Loop) nextDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.timers) > 0 {
		e := l.timers[0]
		if e.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		return e.at, true
	}
	return time.Time{}, false
}

// runDue executes every timer whose deadline has been reached, in deadline
// order, on the calling (loop) goroutine.
func (l *Loop) runDue() {
	now := l.clock.Now()
	for {
		l.mu.Lock()
		if len(l.timers) == 0 {
			l.mu.Unlock()
			return
		}
		e := l.timers[0]
		if e.cancelled {
			heap.Pop(&l.timers)
			l.mu.Unlock()
			continue
		}
		if e.at.After(now) {
			l.mu.Unlock()
			return
		}
		heap.Pop(&l.timers)
		if e.period > 0 {
			e.at = e.at.Add(e.period)
			heap.Push(&l.timers, e)
		} else {
			delete(l.byID, e.id)
		}
		l.mu.Unlock()

		e.fn()
	}
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
