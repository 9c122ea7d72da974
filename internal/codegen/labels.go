package codegen

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Label manager — unique names, define-once positions
//
// Labels are not instructions.  A defined label records the buffer index of
// the instruction that follows it; the emitter prints the label line just
// before that index and the CFG builder treats the index as a block leader.
// ---------------------------------------------------------------------------

// LabelKind classifies a label for diagnostics and emission.
type LabelKind int

const (
	LabelFunction LabelKind = iota
	LabelBranch
	LabelLoopStart
	LabelLoopEnd
)

func (k LabelKind) String() string {
	switch k {
	case LabelFunction:
		return "function"
	case LabelBranch:
		return "branch"
	case LabelLoopStart:
		return "loop_start"
	case LabelLoopEnd:
		return "loop_end"
	default:
		return "unknown"
	}
}

// Label is one named position in an instruction buffer.
type Label struct {
	Name  string
	Kind  LabelKind
	Index int // instruction index; -1 until defined
}

// Defined reports whether the label has been given a position.
func (l *Label) Defined() bool { return l.Index >= 0 }

// LabelManager creates and resolves labels for one function's buffer.
type LabelManager struct {
	mu     sync.Mutex
	byName map[string]*Label
	nextID int64 // atomic
}

// NewLabelManager returns an empty manager.
func NewLabelManager() *LabelManager {
	return &LabelManager{byName: make(map[string]*Label)}
}

// Fresh creates a label with a unique generated name ("hint_N").  The id
// counter is atomic, so concurrent creation never produces duplicates.
func (m *LabelManager) Fresh(hint string, kind LabelKind) *Label {
	if hint == "" {
		hint = "L"
	}
	id := atomic.AddInt64(&m.nextID, 1)
	name := fmt.Sprintf("%s_%d", hint, id)
	l := &Label{Name: name, Kind: kind, Index: -1}
	m.mu.Lock()
	m.byName[name] = l
	m.mu.Unlock()
	return l
}

// Named creates a label with a fixed name (function entries).  It fails if
// the name is already taken.
func (m *LabelManager) Named(name string, kind LabelKind) (*Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return nil, fmt.Errorf("label %q already exists", name)
	}
	l := &Label{Name: name, Kind: kind, Index: -1}
	m.byName[name] = l
	return l, nil
}

// Define binds a label to an instruction index.  A label can be defined
// exactly once.
func (m *LabelManager) Define(l *Label, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.Defined() {
		return fmt.Errorf("label %q already defined at %d", l.Name, l.Index)
	}
	if index < 0 {
		return fmt.Errorf("label %q: negative index %d", l.Name, index)
	}
	l.Index = index
	return nil
}

// Lookup resolves a name to its label.
func (m *LabelManager) Lookup(name string) (*Label, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byName[name]
	return l, ok
}

// IsDefined reports whether a name resolves to a defined label.
func (m *LabelManager) IsDefined(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.byName[name]
	return ok && l.Defined()
}

// Defined returns all defined labels, keyed by instruction index.  Multiple
// labels can share an index (a loop end falling onto a branch target).
func (m *LabelManager) DefinedByIndex() map[int][]*Label {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int][]*Label)
	for _, l := range m.byName {
		if l.Defined() {
			out[l.Index] = append(out[l.Index], l)
		}
	}
	return out
}

// Remap rewrites every defined label's index through the mapping, used
// after NOP compaction rebuilds the instruction list.  A label whose index
// maps to -1 points past the removed tail and is clamped to newLen.
func (m *LabelManager) Remap(mapping []int, newLen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.byName {
		if !l.Defined() {
			continue
		}
		if l.Index < len(mapping) && mapping[l.Index] >= 0 {
			l.Index = mapping[l.Index]
		} else {
			l.Index = newLen
		}
	}
}
