package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
)

// Slot names a value carried by a Context.
type Slot string

const (
	SlotRequestMeta Slot = "requestMeta"
	SlotUser        Slot = "user"
	SlotAuthResult  Slot = "authResult"
	SlotCancelToken Slot = "cancelToken"
	SlotCancelWatch Slot = "cancelWatch"
	SlotSnapshot    Slot = "snapshot"
	SlotPayload     Slot = "payload"
	SlotMetadata    Slot = "pipelineMetadata"
	SlotRollback    Slot = "rollback"
)

// RequestMeta is the transport independent view of the inbound request.
type RequestMeta struct {
	ID         string
	Method     string
	Path       string
	Headers    http.Header
	Query      url.Values
	Params     map[string]string
	Body       map[string]any
	ClientIP   string
	UserAgent  string
	ReceivedAt time.Time
}

// Patch is the set of slot values a step adds to the Context.
type Patch map[Slot]any

type slotHasher struct{}

func (slotHasher) Hash(key Slot) uint32 {
	return uint32(xxhash.Sum64String(string(key)))
}

func (slotHasher) Equal(a, b Slot) bool {
	return a == b
}

var emptyValues = immutable.NewMap[Slot, any](slotHasher{})

// Context is an immutable set of request scoped slots. Every write returns a
// new Context sharing structure with the receiver, which is never modified.
// The zero value is an empty Context.
type Context struct {
	values *immutable.Map[Slot, any]
}

// NewContext returns a Context holding the given slots.
func NewContext(initial Patch) Context {
	return Context{}.Merge(initial)
}

func (c Context) m() *immutable.Map[Slot, any] {
	if c.values == nil {
		return emptyValues
	}
	return c.values
}

func (c Context) Get(slot Slot) (any, bool) {
	return c.m().Get(slot)
}

func (c Context) Has(slot Slot) bool {
	_, ok := c.m().Get(slot)
	return ok
}

// With returns a Context where slot holds value.
func (c Context) With(slot Slot, value any) Context {
	return Context{values: c.m().Set(slot, value)}
}

// Without returns a Context with slot removed.
func (c Context) Without(slot Slot) Context {
	return Context{values: c.m().Delete(slot)}
}

// Merge returns a Context where every slot in patch overrides the receiver.
func (c Context) Merge(patch Patch) Context {
	if len(patch) == 0 {
		return c
	}

	m := c.m()
	for k, v := range patch {
		m = m.Set(k, v)
	}
	return Context{values: m}
}

func (c Context) Len() int {
	return c.m().Len()
}

// Slots returns the slot names in sorted order.
func (c Context) Slots() []Slot {
	slots := make([]Slot, 0, c.Len())
	itr := c.m().Iterator()
	for !itr.Done() {
		k, _, _ := itr.Next()
		slots = append(slots, k)
	}
	slices.Sort(slots)
	return slots
}

// ToMap returns a shallow copy of the slots.
func (c Context) ToMap() map[Slot]any {
	out := make(map[Slot]any, c.Len())
	itr := c.m().Iterator()
	for !itr.Done() {
		k, v, _ := itr.Next()
		out[k] = v
	}
	return out
}

// Value returns the slot value when present and of type T.
func Value[T any](c Context, slot Slot) (T, bool) {
	var zero T
	raw, ok := c.Get(slot)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Meta returns the request metadata slot, or an empty RequestMeta.
func (c Context) Meta() RequestMeta {
	meta, _ := Value[RequestMeta](c, SlotRequestMeta)
	return meta
}

// Metadata returns the metadata recorded by the last completed run.
func (c Context) Metadata() (Metadata, bool) {
	return Value[Metadata](c, SlotMetadata)
}

type pipelineCtxKey struct{}

// ContextWithPipeline stores pc on ctx for handlers that only receive the request.
func ContextWithPipeline(ctx context.Context, pc Context) context.Context {
	return context.WithValue(ctx, pipelineCtxKey{}, pc)
}

// PipelineFromContext returns the Context stored by ContextWithPipeline.
func PipelineFromContext(ctx context.Context) (Context, bool) {
	pc, ok := ctx.Value(pipelineCtxKey{}).(Context)
	return pc, ok
}
