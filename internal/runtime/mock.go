package runtime

import (
	"context"
	"sync"
	"syscall"
)

// MockRuntime is a mock implementation of Runtime for testing
type MockRuntime struct {
	mu sync.RWMutex

	// Errors allows injecting errors for specific operations ("Start", "Ping")
	Errors map[string]error

	// CallLog records all method calls for verification
	CallLog []MockCall

	// ExitCode is the code processes exit with when they do not hang.
	ExitCode int

	// Hang keeps processes running until signaled.
	Hang bool

	// IgnoreTerm makes hanging processes survive SIGTERM.
	IgnoreTerm bool

	// OnStart runs in its own goroutine for every started process, before
	// the process exits on its own.
	OnStart func(spec LaunchSpec, p *MockProcess)

	failStarts int
	processes  []*MockProcess
	nextPid    int
}

// MockCall represents a recorded method call
type MockCall struct {
	Method string
	Args   []interface{}
}

// NewMockRuntime creates a new mock runtime
func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		Errors:  make(map[string]error),
		CallLog: make([]MockCall, 0),
		nextPid: 1000,
	}
}

func (m *MockRuntime) record(method string, args ...interface{}) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

// SetError sets an error to be returned for a specific operation
func (m *MockRuntime) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[operation] = err
}

// FailStarts makes the next n Start calls fail with err.
func (m *MockRuntime) FailStarts(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStarts = n
	m.Errors["Start"] = err
}

// GetCalls returns all recorded calls
func (m *MockRuntime) GetCalls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockCall, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}

// GetCallsFor returns all calls for a specific method
func (m *MockRuntime) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// Processes returns every process started so far.
func (m *MockRuntime) Processes() []*MockProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MockProcess, len(m.processes))
	copy(out, m.processes)
	return out
}

// Name returns the runtime identifier
func (m *MockRuntime) Name() string {
	return "mock"
}

// Ping returns the injected "Ping" error, if any.
func (m *MockRuntime) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.Errors["Ping"]
}

// Start creates a MockProcess.
func (m *MockRuntime) Start(ctx context.Context, spec LaunchSpec) (Process, error) {
	m.mu.Lock()
	m.record("Start", spec)
	if err := m.Errors["Start"]; err != nil {
		if m.failStarts > 0 {
			m.failStarts--
			if m.failStarts == 0 {
				delete(m.Errors, "Start")
			}
		}
		m.mu.Unlock()
		return nil, err
	}

	m.nextPid++
	p := &MockProcess{
		Spec:       spec,
		pid:        m.nextPid,
		ignoreTerm: m.IgnoreTerm,
		done:       make(chan struct{}),
	}
	m.processes = append(m.processes, p)
	hang, code, onStart := m.Hang, m.ExitCode, m.OnStart
	m.mu.Unlock()

	go func() {
		if onStart != nil {
			onStart(spec, p)
		}
		if !hang {
			p.Exit(code)
		}
	}()
	return p, nil
}

// MockProcess is a Process controlled by the test.
type MockProcess struct {
	Spec LaunchSpec

	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	signals []syscall.Signal
	once    sync.Once
	done    chan struct{}
	code    int
}

// Exit ends the process with code. Later calls are ignored.
func (p *MockProcess) Exit(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

// Exited reports whether the process has ended.
func (p *MockProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the process ends.
func (p *MockProcess) Done() <-chan struct{} {
	return p.done
}

// Signals returns the signals delivered so far.
func (p *MockProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]syscall.Signal, len(p.signals))
	copy(out, p.signals)
	return out
}

func (p *MockProcess) Pid() int {
	return p.pid
}

func (p *MockProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *MockProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !p.ignoreTerm) {
		p.Exit(-1)
	}
	return nil
}
