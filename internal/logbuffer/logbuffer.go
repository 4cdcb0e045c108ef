// Package logbuffer implements the bounded, searchable per-process log
// history described by the process-lifecycle supervisor's core: a fixed
// number of generations ("instances"), one per spawn, each a capped ring of
// captured lines, with a regex/context/head-tail search operator.
package logbuffer

import (
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/loykin/mcp-supervisor/internal/svcerr"
)

const (
	// MaxInstances is the number of generations retained per process (K in
	// the data model); the oldest is evicted once a new one is created past
	// this count.
	MaxInstances = 10
	// MaxLinesPerInstance is the default per-instance line cap.
	MaxLinesPerInstance = 10000

	// GroupSeparator is inserted between non-contiguous line groups in a
	// context-expanded search result.
	GroupSeparator = "---"
)

// Stream identifies which child file descriptor a captured line came from.
type Stream int

const (
	StreamStdout Stream = iota
	StreamStderr
)

func (s Stream) String() string {
	if s == StreamStderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one captured line, numbered monotonically within its Instance.
type Line struct {
	Number    int
	Timestamp time.Time
	Stream    Stream
	Payload   string
}

// Instance is one generation of captured output, created on each (re)spawn
// for process logs or each build for build logs.
type Instance struct {
	ID        int
	StartedAt time.Time

	cap   int
	lines []Line
	next  int // next line number to assign
}

func newInstance(id int, cap int) *Instance {
	if cap <= 0 {
		cap = MaxLinesPerInstance
	}
	return &Instance{ID: id, StartedAt: time.Now(), cap: cap}
}

// append adds a line, evicting the oldest if the instance is at capacity.
// Callers must hold the owning Buffer's lock.
func (inst *Instance) append(stream Stream, payload string) {
	line := Line{Number: inst.next, Timestamp: time.Now(), Stream: stream, Payload: payload}
	inst.next++
	if len(inst.lines) >= inst.cap {
		inst.lines = inst.lines[1:]
	}
	inst.lines = append(inst.lines, line)
}

// SearchParams mirrors the five search knobs the supervisor's search
// operations expose to remote callers.
type SearchParams struct {
	Index        *int   // signed instance selector, default -1 (newest)
	Pattern      string // optional regex; empty means "no filter"
	ContextLines int    // lines of context around each match, default 0
	Head         *int   // keep only the first N lines of the result
	Tail         *int   // keep only the last N lines of the result
}

// SearchResult is the ordered outcome of a search: matched/context lines
// interleaved with group separators, in the shape the four remote
// operations return to callers.
type SearchResult struct {
	InstanceID int
	Lines      []ResultLine
}

// ResultLine is either a captured Line or a separator marking a gap between
// non-contiguous groups (Line is the zero value, Separator is true).
type ResultLine struct {
	Line      Line
	Separator bool
}

// Buffer holds every retained Instance for a single process's output (or
// for a single process's build output, which the owner keeps as a separate
// Buffer).
type Buffer struct {
	mu        sync.Mutex
	instances []*Instance
	nextID    int
	lineCap   int
}

// New creates an empty Buffer. lineCap overrides MaxLinesPerInstance when
// positive; zero or negative uses the default.
func New(lineCap int) *Buffer {
	if lineCap <= 0 {
		lineCap = MaxLinesPerInstance
	}
	return &Buffer{lineCap: lineCap}
}

// NewInstance appends a fresh empty Instance, evicting the oldest if the
// buffer already holds MaxInstances, and returns its id.
func (b *Buffer) NewInstance() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.newInstanceLocked()
}

func (b *Buffer) newInstanceLocked() int {
	inst := newInstance(b.nextID, b.lineCap)
	b.nextID++
	if len(b.instances) >= MaxInstances {
		b.instances = b.instances[1:]
	}
	b.instances = append(b.instances, inst)
	return inst.ID
}

// Append writes into the newest instance, creating one first if the buffer
// is currently empty.
func (b *Buffer) Append(stream Stream, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.instances) == 0 {
		b.newInstanceLocked()
	}
	b.instances[len(b.instances)-1].append(stream, payload)
}

// InstanceCount reports how many generations are currently retained.
func (b *Buffer) InstanceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.instances)
}

// resolveIndex implements the Python-style negative indexing of spec.md
// §4.1: non-negative i is the i-th oldest still retained, negative i counts
// back from the newest (-1 = newest). Caller must hold the lock.
func (b *Buffer) resolveIndex(index int) (*Instance, bool) {
	n := len(b.instances)
	if n == 0 {
		return nil, false
	}
	if index < 0 {
		pos := -index - 1
		if pos < 0 || pos >= n {
			return nil, false
		}
		return b.instances[n-1-pos], true
	}
	if index >= n {
		return nil, false
	}
	return b.instances[index], true
}

// Search runs the fixed four-stage resolution order from spec.md §4.1:
// select instance, filter by regex, expand context, then apply head/tail.
func (b *Buffer) Search(params SearchParams) (SearchResult, error) {
	index := -1
	if params.Index != nil {
		index = *params.Index
	}

	b.mu.Lock()
	inst, ok := b.resolveIndex(index)
	if !ok {
		count := len(b.instances)
		b.mu.Unlock()
		return SearchResult{}, fmt.Errorf("%w: instance %d not found (have %d)", svcerr.ErrInstanceNotFound, index, count)
	}
	// Copy the line slice so filtering/matching happens outside the lock.
	lines := make([]Line, len(inst.lines))
	copy(lines, inst.lines)
	instID := inst.ID
	b.mu.Unlock()

	matched, err := filterLines(lines, params.Pattern)
	if err != nil {
		return SearchResult{}, err
	}

	groups := expandContext(lines, matched, params.ContextLines)

	groups = applyHeadTail(groups, params.Head, params.Tail)

	return SearchResult{InstanceID: instID, Lines: flattenGroups(groups)}, nil
}

// filterLines returns the indices, into lines, of every line matching
// pattern. An empty pattern matches every line (no filter).
func filterLines(lines []Line, pattern string) ([]int, error) {
	if pattern == "" {
		all := make([]int, len(lines))
		for i := range lines {
			all[i] = i
		}
		return all, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", svcerr.ErrInvalidPattern, pattern, err)
	}
	var matched []int
	for i, l := range lines {
		if re.MatchString(l.Payload) {
			matched = append(matched, i)
		}
	}
	return matched, nil
}

// expandContext unions each matched index with its context_lines neighbors,
// preserving order and collapsing duplicates, and groups the result into
// contiguous runs. Adjacent runs are non-contiguous in the source and get a
// GroupSeparator between them once flattened; keeping runs as groups here
// (rather than flattening immediately) lets applyHeadTail count only real
// lines, never a separator, toward head/tail limits.
func expandContext(lines []Line, matched []int, context int) [][]Line {
	if len(matched) == 0 {
		return nil
	}
	included := make([]bool, len(lines))
	for _, idx := range matched {
		start := idx - context
		if start < 0 {
			start = 0
		}
		end := idx + context + 1
		if end > len(lines) {
			end = len(lines)
		}
		for i := start; i < end; i++ {
			included[i] = true
		}
	}

	var groups [][]Line
	var current []Line
	prevIncluded := -2 // sentinel so the first included line never looks contiguous with -1 incorrectly
	for i, isIn := range included {
		if !isIn {
			continue
		}
		if prevIncluded != i-1 && len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, lines[i])
		prevIncluded = i
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// applyHeadTail applies head first, then tail to what remains, per spec.md
// §4.1's fixed resolution order, counting only real lines — group
// separators are re-derived from whatever groups survive, in flattenGroups,
// so they never consume a head/tail slot themselves.
func applyHeadTail(groups [][]Line, head, tail *int) [][]Line {
	if head != nil {
		groups = takeHead(groups, *head)
	}
	if tail != nil {
		groups = takeTail(groups, *tail)
	}
	return groups
}

// takeHead keeps the first n real lines across groups, splitting the group
// that straddles the boundary and dropping any group entirely past it.
func takeHead(groups [][]Line, n int) [][]Line {
	if n < 0 {
		n = 0
	}
	var out [][]Line
	remaining := n
	for _, g := range groups {
		if remaining <= 0 {
			break
		}
		if len(g) <= remaining {
			out = append(out, g)
			remaining -= len(g)
			continue
		}
		out = append(out, g[:remaining])
		remaining = 0
	}
	return out
}

// takeTail keeps the last n real lines across groups, mirroring takeHead
// from the other end.
func takeTail(groups [][]Line, n int) [][]Line {
	if n < 0 {
		n = 0
	}
	total := 0
	for _, g := range groups {
		total += len(g)
	}
	skip := total - n
	if skip <= 0 {
		return groups
	}
	var out [][]Line
	for _, g := range groups {
		switch {
		case skip <= 0:
			out = append(out, g)
		case len(g) <= skip:
			skip -= len(g)
		default:
			out = append(out, g[skip:])
			skip = 0
		}
	}
	return out
}

// flattenGroups renders surviving groups into the separator-interleaved
// ResultLine sequence callers see, inserting one GroupSeparator between
// each pair of groups (never at the ends, never counted as a line).
func flattenGroups(groups [][]Line) []ResultLine {
	if len(groups) == 0 {
		return nil
	}
	var out []ResultLine
	for gi, g := range groups {
		if gi > 0 {
			out = append(out, ResultLine{Separator: true})
		}
		for _, l := range g {
			out = append(out, ResultLine{Line: l})
		}
	}
	return out
}

// LineWriter adapts an io.Writer stream (typically one half of an
// *exec.Cmd's stdout/stderr) into a source of complete lines: each
// newline-terminated chunk is appended to Buf under Stream and, if
// Passthrough is set, mirrored to it prefixed by Prefix. Shared by
// ProcessHandle (child stdout/stderr) and Builder (build tool output).
type LineWriter struct {
	Buf         *Buffer
	Stream      Stream
	Passthrough io.Writer
	Prefix      string

	mu      sync.Mutex
	partial []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.partial = append(w.partial, p...)
	for {
		i := bytesIndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := string(trimCR(w.partial[:i]))
		w.partial = w.partial[i+1:]
		w.Buf.Append(w.Stream, line)
		if w.Passthrough != nil {
			_, _ = io.WriteString(w.Passthrough, w.Prefix+line+"\n")
		}
	}
	return len(p), nil
}

func bytesIndexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

// FormatLines renders a SearchResult the way the remote-control surface
// returns it to a text-oriented client: one line per entry, matched lines
// unmarked, group separators as a bare line, plain listing when no pattern
// was supplied (no markers at all, matching spec.md's "no pattern, just
// return all lines" no-filter case).
func FormatLines(result SearchResult) []string {
	if len(result.Lines) == 0 {
		return []string{"(empty)"}
	}
	out := make([]string, 0, len(result.Lines))
	for _, rl := range result.Lines {
		if rl.Separator {
			out = append(out, GroupSeparator)
			continue
		}
		out = append(out, rl.Line.Payload)
	}
	return out
}
