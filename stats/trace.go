package stats

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/gengc/gengc/config"
)

// Tracer appends one line per cycle to a trace file. Writers in different
// processes serialize on an advisory lock next to the file.
type Tracer struct {
	mu    sync.Mutex
	path  string
	name  string
	lock  *flock.Flock
	file  *os.File
	lines int
}

// OpenTracer opens path for appending. name identifies the heap in every line.
func OpenTracer(path, name string) (*Tracer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open trace file: %w", err)
	}
	return &Tracer{
		path: path,
		name: name,
		lock: flock.New(path + ".lock"),
		file: f,
	}, nil
}

// Path returns the trace file path.
func (t *Tracer) Path() string { return t.path }

// Lines returns the number of lines written by t.
func (t *Tracer) Lines() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lines
}

// Trace writes c. It can be installed with GCStats.SetSink.
func (t *Tracer) Trace(c *Cycle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return os.ErrClosed
	}
	if err := t.lock.Lock(); err != nil {
		return fmt.Errorf("could not lock trace file: %w", err)
	}
	defer t.lock.Unlock()
	if err := writeCycle(t.file, t.name, c); err != nil {
		return err
	}
	t.lines++
	return nil
}

func writeCycle(w io.Writer, name string, c *Cycle) error {
	_, err := fmt.Fprintf(w, "%s gc#%d %v reason=%q pause=%v heap=%s->%s committed=%s promoted=%s copied=%s freed=%s survival=%.2f\n",
		name, c.Seq, c.Type, c.Reason, c.Pause(),
		config.FormatSize(c.HeapBefore), config.FormatSize(c.HeapAfter),
		config.FormatSize(c.Committed), config.FormatSize(c.Promoted),
		config.FormatSize(c.Copied), config.FormatSize(c.Freed), c.SurvivalRate)
	return err
}

// Close closes the trace file.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
