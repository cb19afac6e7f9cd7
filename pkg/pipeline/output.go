package pipeline

import (
	"sync"

	"github.com/hodei/pipelines/pkg/types"
)

// Reporter receives execution events and step output from the interpreter.
// Calls are synchronous: a slow reporter applies backpressure to the step
// that is producing output instead of dropping it.
type Reporter interface {
	Event(event *types.ExecutionEvent)
	Output(stage, step, stream string, data []byte)
}

// NopReporter discards everything; tests and dry runs use it
type NopReporter struct{}

func (NopReporter) Event(*types.ExecutionEvent)           {}
func (NopReporter) Output(string, string, string, []byte) {}

// outputMux serializes interleaved writers from concurrent steps so chunks
// reach the reporter one at a time, whole.
type outputMux struct {
	mu       sync.Mutex
	reporter Reporter
}

func newOutputMux(r Reporter) *outputMux {
	return &outputMux{reporter: r}
}

func (m *outputMux) emit(stage, step, stream string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	m.reporter.Output(stage, step, stream, copied)
}

// writer adapts one step stream to io.Writer
type writer struct {
	mux    *outputMux
	stage  string
	step   string
	stream string
}

func (w *writer) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.mux.emit(w.stage, w.step, w.stream, p)
	}
	return len(p), nil
}
