// Package diagnostics formats heap consistency errors and prints them in a
// consistent way.
package diagnostics

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// Position of a diagnostic inside the heap: the region it was found in and
// the byte offset of the offending object or slot from the region base.
type Position struct {
	Space  string
	Region uint32
	Offset uint64
}

// IsValid reports whether the position refers to a region.
func (pos Position) IsValid() bool {
	return pos.Region != 0
}

func (pos Position) String() string {
	if pos.Space == "" {
		return fmt.Sprintf("region %d+%#x", pos.Region, pos.Offset)
	}
	return fmt.Sprintf("%s:region %d+%#x", pos.Space, pos.Region, pos.Offset)
}

// A single diagnostic.
type Diagnostic struct {
	Pos Position
	Msg string

	// Object, slot and value involved, if available. Many errors only know
	// about the object.
	Object uint64
	Slot   uint64
	Value  uint64
}

// One or multiple errors of a particular heap.
// It can also represent runtime-wide errors that can't easily be connected to
// a single heap.
type HeapDiagnostic struct {
	Heap        string // "shared" or the owning mutator name
	Kind        string // verification kind or collector phase
	Diagnostics []Diagnostic
}

// Diagnostics of a whole runtime. This can include errors belonging to
// multiple heaps, or just a single heap.
type RuntimeDiagnostic []HeapDiagnostic

// Error is an error carrying a heap position. Verifiers and collectors return
// it so that the position survives wrapping.
type Error struct {
	Pos    Position
	Msg    string
	Object uint64
	Slot   uint64
	Value  uint64
}

func (e *Error) Error() string {
	if !e.Pos.IsValid() {
		return e.Msg
	}
	return e.Pos.String() + ": " + e.Msg
}

// MultiError groups several errors found in one heap during one pass.
type MultiError struct {
	Heap string
	Kind string
	Errs []error
}

func (e *MultiError) Error() string {
	if len(e.Errs) == 0 {
		return "no errors"
	}
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", e.Errs[0].Error(), len(e.Errs)-1)
}

func (e *MultiError) Unwrap() []error {
	return e.Errs
}

// CreateDiagnostics reads the underlying errors in the error object and
// creates a set of diagnostics that's sorted and can be readily printed.
func CreateDiagnostics(err error) RuntimeDiagnostic {
	if err == nil {
		return nil
	}
	var multi *MultiError
	if errors.As(err, &multi) {
		return RuntimeDiagnostic{createHeapDiagnostic(multi)}
	}
	return RuntimeDiagnostic{
		createHeapDiagnostic(&MultiError{Errs: []error{err}}),
	}
}

// Create diagnostics for a single heap.
func createHeapDiagnostic(err *MultiError) HeapDiagnostic {
	heapDiag := HeapDiagnostic{
		Heap: err.Heap,
		Kind: err.Kind,
	}
	for _, err := range err.Errs {
		heapDiag.Diagnostics = append(heapDiag.Diagnostics, createDiagnostics(err)...)
	}

	// Sort these diagnostics by region/offset.
	sort.SliceStable(heapDiag.Diagnostics, func(i, j int) bool {
		posI := heapDiag.Diagnostics[i].Pos
		posJ := heapDiag.Diagnostics[j].Pos
		if posI.Region != posJ.Region {
			return posI.Region < posJ.Region
		}
		return posI.Offset < posJ.Offset
	})

	return heapDiag
}

// Extract diagnostics from the given error and return them as a slice (which
// in many cases will just be a single diagnostic).
func createDiagnostics(err error) []Diagnostic {
	switch err := err.(type) {
	case *Error:
		return []Diagnostic{{
			Pos:    err.Pos,
			Msg:    err.Msg,
			Object: err.Object,
			Slot:   err.Slot,
			Value:  err.Value,
		}}
	case *MultiError:
		var diags []Diagnostic
		for _, err := range err.Errs {
			diags = append(diags, createDiagnostics(err)...)
		}
		return diags
	case interface{ Unwrap() []error }:
		var diags []Diagnostic
		for _, err := range err.Unwrap() {
			diags = append(diags, createDiagnostics(err)...)
		}
		return diags
	default:
		var posErr *Error
		if errors.As(err, &posErr) {
			diag := createDiagnostics(posErr)[0]
			diag.Msg = err.Error()
			return []Diagnostic{diag}
		}
		return []Diagnostic{
			{Msg: err.Error()},
		}
	}
}

// Len returns the total number of diagnostics.
func (rtDiag RuntimeDiagnostic) Len() int {
	n := 0
	for _, heapDiag := range rtDiag {
		n += len(heapDiag.Diagnostics)
	}
	return n
}

// Write runtime diagnostics to the given writer.
func (rtDiag RuntimeDiagnostic) WriteTo(w io.Writer) {
	for _, heapDiag := range rtDiag {
		heapDiag.WriteTo(w)
	}
}

// Write heap diagnostics to the given writer.
func (heapDiag HeapDiagnostic) WriteTo(w io.Writer) {
	switch {
	case heapDiag.Heap != "" && heapDiag.Kind != "":
		fmt.Fprintf(w, "# %s (%s)\n", heapDiag.Heap, heapDiag.Kind)
	case heapDiag.Heap != "":
		fmt.Fprintln(w, "#", heapDiag.Heap)
	}
	for _, diag := range heapDiag.Diagnostics {
		diag.WriteTo(w)
	}
}

// Write this diagnostic to the given writer.
func (diag Diagnostic) WriteTo(w io.Writer) {
	if !diag.Pos.IsValid() {
		fmt.Fprintln(w, diag.Msg)
		return
	}
	fmt.Fprintf(w, "%s: %s", diag.Pos, diag.Msg)
	if diag.Object != 0 {
		fmt.Fprintf(w, " [object %#x", diag.Object)
		if diag.Slot != 0 {
			fmt.Fprintf(w, " slot %#x -> %#x", diag.Slot, diag.Value)
		}
		fmt.Fprint(w, "]")
	}
	fmt.Fprintln(w)
}

var (
	fatalLock    sync.Mutex
	fatalOutput  io.Writer = os.Stderr
	fatalHandler           = func(err error) {
		os.Exit(1)
	}
)

// SetFatalHandler replaces the function called after a fatal error has been
// printed and returns the previous one. The default handler exits the
// process. A handler that returns lets the caller continue, which is only
// meaningful in tests.
func SetFatalHandler(handler func(err error)) func(err error) {
	fatalLock.Lock()
	defer fatalLock.Unlock()
	prev := fatalHandler
	fatalHandler = handler
	return prev
}

// SetFatalOutput sets where fatal diagnostics are written and returns the
// previous writer.
func SetFatalOutput(w io.Writer) io.Writer {
	fatalLock.Lock()
	defer fatalLock.Unlock()
	prev := fatalOutput
	fatalOutput = w
	return prev
}

// Fatal prints the diagnostics for err and calls the fatal handler.
// Collector logic errors are unrecoverable: a collector that lost track of
// liveness must not keep running.
func Fatal(err error) {
	buf := &bytes.Buffer{}
	fmt.Fprintln(buf, "gengc: fatal error:", err)
	CreateDiagnostics(err).WriteTo(buf)

	fatalLock.Lock()
	w, handler := fatalOutput, fatalHandler
	fatalLock.Unlock()

	w.Write(buf.Bytes())
	handler(err)
}

// Fatalf is a shorthand for Fatal(fmt.Errorf(format, args...)).
func Fatalf(format string, args ...interface{}) {
	Fatal(fmt.Errorf(format, args...))
}
