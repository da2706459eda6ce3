// Package snapshot records deep copies of the pipeline Context so a request
// can be inspected or rewound step by step.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/authpipe/authpipe/pkg/logger"
	"github.com/authpipe/authpipe/pkg/pipeline"
)

const StepName = "snapshot"

// excluded slots hold live handles rather than request data.
var excluded = map[pipeline.Slot]struct{}{
	pipeline.SlotSnapshot:    {},
	pipeline.SlotRollback:    {},
	pipeline.SlotCancelToken: {},
	pipeline.SlotCancelWatch: {},
}

// Entry is a deep copy of a Context. Slot values are stored in their JSON
// form so later mutation of the originals cannot leak in.
type Entry struct {
	ID      string                            `json:"id"`
	Label   string                            `json:"label,omitempty"`
	TakenAt time.Time                         `json:"takenAt"`
	Slots   map[pipeline.Slot]json.RawMessage `json:"slots"`
	Skipped map[pipeline.Slot]string          `json:"skipped,omitempty"`
}

// Decode unmarshals the copy of slot into v.
func (e Entry) Decode(slot pipeline.Slot, v any) error {
	raw, ok := e.Slots[slot]
	if !ok {
		return fmt.Errorf("slot %q not captured", slot)
	}
	return json.Unmarshal(raw, v)
}

// History is an append-only list of entries with a cursor for undo and redo.
// It belongs to a single request.
type History struct {
	mu      sync.Mutex
	entries []Entry
	cursor  int
}

func NewHistory() *History {
	return &History{cursor: -1}
}

// Take appends a copy of pc and moves the cursor to it. Slots that cannot be
// encoded are recorded in Entry.Skipped.
func (h *History) Take(pc pipeline.Context, label string) Entry {
	entry := Entry{
		ID:      uuid.NewString(),
		Label:   label,
		TakenAt: time.Now(),
		Slots:   make(map[pipeline.Slot]json.RawMessage, pc.Len()),
	}

	for _, slot := range pc.Slots() {
		if _, skip := excluded[slot]; skip {
			continue
		}
		v, _ := pc.Get(slot)
		raw, err := json.Marshal(v)
		if err != nil {
			if entry.Skipped == nil {
				entry.Skipped = make(map[pipeline.Slot]string)
			}
			entry.Skipped[slot] = err.Error()
			continue
		}
		entry.Slots[slot] = raw
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	h.cursor = len(h.entries) - 1
	return entry
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// At returns the entry at index i.
func (h *History) At(i int) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.entries) {
		return Entry{}, false
	}
	return h.entries[i], true
}

// Current returns the entry under the cursor.
func (h *History) Current() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor < 0 {
		return Entry{}, false
	}
	return h.entries[h.cursor], true
}

// Cursor returns the index of the current entry, or -1 when empty.
func (h *History) Cursor() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Undo moves the cursor one entry back and returns that entry.
func (h *History) Undo() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor <= 0 {
		return Entry{}, false
	}
	h.cursor--
	return h.entries[h.cursor], true
}

// Redo moves the cursor one entry forward and returns that entry.
func (h *History) Redo() (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cursor >= len(h.entries)-1 {
		return Entry{}, false
	}
	h.cursor++
	return h.entries[h.cursor], true
}

// Seek moves the cursor to index i.
func (h *History) Seek(i int) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.entries) {
		return Entry{}, false
	}
	h.cursor = i
	return h.entries[i], true
}

type Option func(s *step)

func WithLogger(l logger.Logger) Option {
	return func(s *step) {
		s.logger = l
	}
}

// WithLabel tags every entry taken by the step.
func WithLabel(label string) Option {
	return func(s *step) {
		s.label = label
	}
}

type step struct {
	logger logger.Logger
	label  string
}

// New returns a step that appends a snapshot of the Context to the request's
// History, creating it on first use. The step never fails.
func New(opts ...Option) pipeline.Step {
	s := &step{logger: logger.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *step) Name() string {
	return StepName
}

func (s *step) Run(ctx context.Context, pc pipeline.Context) (outcome pipeline.Outcome) {
	h, ok := pipeline.Value[*History](pc, pipeline.SlotSnapshot)
	if !ok || h == nil {
		h = NewHistory()
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.WarnWithContext(ctx, "snapshot failed", zap.Any("panic", r))
			outcome = pipeline.Next(pipeline.Patch{pipeline.SlotSnapshot: h})
		}
	}()

	entry := h.Take(pc, s.label)
	for slot, reason := range entry.Skipped {
		s.logger.DebugWithContext(ctx, "snapshot skipped slot",
			zap.String("slot", string(slot)),
			zap.String("reason", reason),
		)
	}

	return pipeline.Next(pipeline.Patch{pipeline.SlotSnapshot: h})
}

// FromContext returns the History recorded in pc.
func FromContext(pc pipeline.Context) (*History, bool) {
	h, ok := pipeline.Value[*History](pc, pipeline.SlotSnapshot)
	return h, ok && h != nil
}
