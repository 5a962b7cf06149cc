// Package capability merges the tools, resources, and prompts of every
// connected server into one directory.
//
// A directory is an immutable [Snapshot]. Readers take the current
// snapshot without locking; [Aggregator.Refresh] builds a new one and
// swaps it in. Within a snapshot a (kind, name) pair has exactly one
// owner: the server registered first. Later servers offering the same
// name are recorded as collisions and never override it, including a
// server that was unreachable when the name was first claimed.
package capability

import (
	"time"

	"github.com/nugget/conduit/internal/mcp"
)

// Kind is the capability family.
type Kind string

// Capability kinds.
const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Record is one entry of the directory. Name is the tool or prompt name,
// or the resource URI.
type Record struct {
	Kind        Kind                 `json:"kind"`
	Name        string               `json:"name"`
	ServerID    string               `json:"server"`
	Description string               `json:"description,omitempty"`
	InputSchema map[string]any       `json:"input_schema,omitempty"`
	MimeType    string               `json:"mime_type,omitempty"`
	Arguments   []mcp.PromptArgument `json:"arguments,omitempty"`

	// Stale marks a record carried forward from an earlier snapshot
	// because its server could not be listed this time.
	Stale bool `json:"stale,omitempty"`
}

// Collision records a name offered by more than one server.
type Collision struct {
	Kind     Kind   `json:"kind"`
	Name     string `json:"name"`
	Owner    string `json:"owner"`
	Shadowed string `json:"shadowed"`
}

type key struct {
	kind Kind
	name string
}

// Snapshot is an immutable view of the directory.
type Snapshot struct {
	version    uint64
	builtAt    time.Time
	records    map[key]Record
	order      []key
	collisions []Collision
	failures   map[string]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{records: map[key]Record{}, failures: map[string]string{}}
}

// Version increases by one with every refresh. Zero means the directory
// was never built.
func (s *Snapshot) Version() uint64 { return s.version }

// BuiltAt returns when the snapshot was built.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Lookup returns the owner record for (kind, name).
func (s *Snapshot) Lookup(kind Kind, name string) (Record, bool) {
	r, ok := s.records[key{kind, name}]
	return r, ok
}

// Records returns every record in registration order.
func (s *Snapshot) Records() []Record {
	out := make([]Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out
}

// Tools returns the tool records in registration order.
func (s *Snapshot) Tools() []Record { return s.ofKind(KindTool) }

// Resources returns the resource records in registration order.
func (s *Snapshot) Resources() []Record { return s.ofKind(KindResource) }

// Prompts returns the prompt records in registration order.
func (s *Snapshot) Prompts() []Record { return s.ofKind(KindPrompt) }

func (s *Snapshot) ofKind(kind Kind) []Record {
	var out []Record
	for _, k := range s.order {
		if k.kind == kind {
			out = append(out, s.records[k])
		}
	}
	return out
}

// Collisions returns the shadowed duplicates found while building.
func (s *Snapshot) Collisions() []Collision {
	return append([]Collision(nil), s.collisions...)
}

// Failures maps each server whose listing failed during the refresh to
// the error text.
func (s *Snapshot) Failures() map[string]string {
	out := make(map[string]string, len(s.failures))
	for id, msg := range s.failures {
		out[id] = msg
	}
	return out
}

// Len returns the number of records.
func (s *Snapshot) Len() int { return len(s.order) }

// builder accumulates records and settles ownership in build. A name
// stays with the server that owned it in the previous snapshot as long
// as that server still offers it; otherwise the first registered server
// offering it wins.
type builder struct {
	snap    *Snapshot
	prev    *Snapshot
	pending []Record
}

func newBuilder(prev *Snapshot) *builder {
	s := emptySnapshot()
	s.version = prev.version + 1
	s.builtAt = time.Now()
	return &builder{snap: s, prev: prev}
}

// add queues r in registration order.
func (b *builder) add(r Record) {
	b.pending = append(b.pending, r)
}

func (b *builder) build() *Snapshot {
	offered := make(map[key]map[string]bool)
	for _, r := range b.pending {
		k := key{r.Kind, r.Name}
		if offered[k] == nil {
			offered[k] = make(map[string]bool)
		}
		offered[k][r.ServerID] = true
	}

	owners := make(map[key]string, len(offered))
	for _, r := range b.pending {
		k := key{r.Kind, r.Name}
		if _, ok := owners[k]; ok {
			continue
		}
		owners[k] = r.ServerID
		if old, ok := b.prev.records[k]; ok && offered[k][old.ServerID] {
			owners[k] = old.ServerID
		}
	}

	for _, r := range b.pending {
		k := key{r.Kind, r.Name}
		owner := owners[k]
		if r.ServerID != owner {
			b.snap.collisions = append(b.snap.collisions, Collision{
				Kind:     r.Kind,
				Name:     r.Name,
				Owner:    owner,
				Shadowed: r.ServerID,
			})
			continue
		}
		if _, dup := b.snap.records[k]; dup {
			continue
		}
		b.snap.records[k] = r
		b.snap.order = append(b.snap.order, k)
	}
	b.pending = nil
	return b.snap
}
