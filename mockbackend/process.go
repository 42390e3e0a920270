package mockbackend

import (
	"sync"

	"github.com/pithecene-io/sheetjobs/types"
)

// ProcessStatus is the server-side state of a process.
type ProcessStatus string

// Process statuses.
const (
	ProcessInProgress ProcessStatus = "in-progress"
	ProcessCompleted  ProcessStatus = "completed"
	ProcessCancelled  ProcessStatus = "cancelled"
	ProcessError      ProcessStatus = "error"
)

// Default terminal messages.
const (
	DefaultCompletedText = "Proceso completado"
	DefaultCancelledText = "Proceso cancelado"
)

// ProcessState is a snapshot of one process.
type ProcessState struct {
	Status ProcessStatus
	Error  string
	Result []byte
}

type process struct {
	state ProcessState
	queue []types.Frame
	wake  chan struct{}
	stop  chan struct{}
}

// Manager keeps the state and pending frame queue of every process.
//
// Producers push frames; the event stream pops them in order. A process
// accepts progress only while in progress, and reaches exactly one
// terminal state.
type Manager struct {
	mu        sync.Mutex
	processes map[string]*process
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{processes: make(map[string]*process)}
}

// Start registers id as in progress with an empty queue.
func (m *Manager) Start(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processes[id] = &process{
		state: ProcessState{Status: ProcessInProgress},
		wake:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

// Send queues a progress message. Ignored unless the process is in progress.
func (m *Manager) Send(id, text string) bool {
	return m.push(id, types.Progress(text), func(*ProcessState) {})
}

// Complete marks the process completed with its result.
func (m *Manager) Complete(id, text string, result []byte) bool {
	if text == "" {
		text = DefaultCompletedText
	}
	return m.push(id, types.Completed(text), func(s *ProcessState) {
		s.Status = ProcessCompleted
		s.Result = result
	})
}

// Cancel marks the process cancelled.
func (m *Manager) Cancel(id, text string) bool {
	if text == "" {
		text = DefaultCancelledText
	}
	return m.push(id, types.Cancelled(text), func(s *ProcessState) {
		s.Status = ProcessCancelled
	})
}

// Fail marks the process failed.
func (m *Manager) Fail(id, text string) bool {
	return m.push(id, types.Failed(text), func(s *ProcessState) {
		s.Status = ProcessError
		s.Error = text
	})
}

func (m *Manager) push(id string, f types.Frame, mutate func(*ProcessState)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok || p.state.Status != ProcessInProgress {
		return false
	}
	mutate(&p.state)
	p.queue = append(p.queue, f)
	close(p.wake)
	p.wake = make(chan struct{})
	if f.IsTerminal() {
		close(p.stop)
	}
	return true
}

// State returns the state of id.
func (m *Manager) State(id string) (ProcessState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return ProcessState{}, false
	}
	return p.state, true
}

// Next pops the next queued frame. When the queue is empty it returns
// ok=false and a channel closed at the next push.
func (m *Manager) Next(id string) (f types.Frame, ok bool, wake <-chan struct{}, exists bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, found := m.processes[id]
	if !found {
		return types.Frame{}, false, nil, false
	}
	if len(p.queue) > 0 {
		f = p.queue[0]
		p.queue = p.queue[1:]
		return f, true, nil, true
	}
	return types.Frame{}, false, p.wake, true
}

// Stopped returns a channel closed once id reaches a terminal state.
func (m *Manager) Stopped(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.processes[id]; ok {
		return p.stop
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Len returns the number of known processes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}
