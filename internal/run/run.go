package run

import (
	"sync"
	"time"

	"optimo-worker/internal/proc"
	"optimo-worker/internal/timeutil"
)

// Run is the state of the single active run: its snapshot of the start
// request, the pass queue, completed results, and every live child process.
type Run struct {
	ID           string
	Workdir      string
	StartedAtUTC string
	Config       StartRequest
	AlgoPath     string
	PwdPath      string
	MaxParallel  int

	queue         *fifo[PassJob]
	callbackQueue *fifo[PassResult]

	stopOnce sync.Once
	stop     chan struct{}

	mu            sync.Mutex
	inFlight      int
	enqueuedTotal int
	results       []PassResult
	activeProcs   map[int]*proc.Handle
}

func newRun(id, workdir string, cfg StartRequest, algoPath, pwdPath string, maxParallel int, batchCallbacks bool) *Run {
	r := &Run{
		ID:           id,
		Workdir:      workdir,
		StartedAtUTC: timeutil.NowISO(),
		Config:       cfg,
		AlgoPath:     algoPath,
		PwdPath:      pwdPath,
		MaxParallel:  maxParallel,
		queue:        newFIFO[PassJob](),
		stop:         make(chan struct{}),
		activeProcs:  map[int]*proc.Handle{},
	}
	if batchCallbacks {
		r.callbackQueue = newFIFO[PassResult]()
	}
	return r
}

// requestStop flips the run into stopping state. Idempotent.
func (r *Run) requestStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Stopped reports whether stop has been requested.
func (r *Run) Stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// counts returns the queue depth and in-flight pass count.
func (r *Run) counts() (queued, running int) {
	queued = r.queue.len()
	r.mu.Lock()
	running = r.inFlight
	r.mu.Unlock()
	return queued, running
}

// Track registers a live child so stop/unlock can terminate it. Run
// satisfies proc.Tracker for both one-shot CLI processes and patched hosts.
func (r *Run) Track(h *proc.Handle) {
	pid := h.PID()
	if pid <= 0 {
		return
	}
	r.mu.Lock()
	r.activeProcs[pid] = h
	r.mu.Unlock()
}

func (r *Run) Untrack(pid int) {
	r.mu.Lock()
	delete(r.activeProcs, pid)
	r.mu.Unlock()
}

// terminateActive kills every registered child and returns how many were
// confirmed dead.
func (r *Run) terminateActive() int {
	r.mu.Lock()
	procs := make([]*proc.Handle, 0, len(r.activeProcs))
	for _, h := range r.activeProcs {
		procs = append(procs, h)
	}
	r.mu.Unlock()

	killed := 0
	for _, h := range procs {
		if h.Exited() {
			continue
		}
		if h.Terminate(3*time.Second, time.Second) {
			killed++
		}
	}
	return killed
}
