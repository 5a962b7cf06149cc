package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/conduit/internal/events"
	"github.com/nugget/conduit/internal/session"
)

// DefaultParallelism bounds how many servers are listed at once.
const DefaultParallelism = 8

// Source is where capabilities are discovered. *session.Manager
// satisfies it.
type Source interface {
	Sessions() []session.Info
	ListCapabilities(ctx context.Context, serverID string) (session.Capabilities, error)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithEventBus publishes a directory_refresh event after each refresh.
func WithEventBus(bus *events.Bus) Option {
	return func(a *Aggregator) { a.bus = bus }
}

// WithParallelism bounds concurrent discovery calls.
func WithParallelism(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.parallel = n
		}
	}
}

// Aggregator builds directory snapshots from a Source.
type Aggregator struct {
	source   Source
	logger   *slog.Logger
	bus      *events.Bus
	parallel int

	refreshMu sync.Mutex
	current   atomic.Pointer[Snapshot]
}

// NewAggregator creates an aggregator with an empty directory.
func NewAggregator(source Source, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		source:   source,
		logger:   logger,
		parallel: DefaultParallelism,
	}
	for _, o := range opts {
		o(a)
	}
	a.current.Store(emptySnapshot())
	return a
}

// Snapshot returns the current directory. It never returns nil.
func (a *Aggregator) Snapshot() *Snapshot {
	return a.current.Load()
}

type listing struct {
	id   string
	caps session.Capabilities
	err  error
}

// Refresh re-lists every open server and swaps in a new snapshot.
// Servers are listed concurrently but merged in registration order, so
// the outcome does not depend on which reply arrives first. A name
// owned in the previous snapshot keeps its owner while that owner still
// offers it.
//
// A server whose listing fails keeps the records it had in the previous
// snapshot, marked Stale. The new snapshot is returned even when some
// servers failed; err then joins the per-server failures.
func (a *Aggregator) Refresh(ctx context.Context) (*Snapshot, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	start := time.Now()
	prev := a.current.Load()

	var servers []string
	for _, info := range a.source.Sessions() {
		if info.State != session.Closed {
			servers = append(servers, info.ID)
		}
	}

	results := make([]listing, len(servers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallel)
	for i, id := range servers {
		g.Go(func() error {
			caps, err := a.source.ListCapabilities(gctx, id)
			results[i] = listing{id: id, caps: caps, err: err}
			return nil
		})
	}
	_ = g.Wait()

	b := newBuilder(prev)
	var failures []error
	for _, r := range results {
		if r.err != nil {
			b.snap.failures[r.id] = r.err.Error()
			failures = append(failures, fmt.Errorf("%s: %w", r.id, r.err))
			carried := 0
			for _, rec := range prev.Records() {
				if rec.ServerID == r.id {
					rec.Stale = true
					b.add(rec)
					carried++
				}
			}
			a.logger.Warn("capability listing failed",
				"mcp_server", r.id,
				"carried_forward", carried,
				"error", r.err,
			)
			continue
		}
		addListing(b, r.id, r.caps)
	}

	snap := b.build()
	a.current.Store(snap)

	for _, c := range snap.collisions {
		a.logger.Warn("capability name collision",
			"kind", c.Kind,
			"name", c.Name,
			"owner", c.Owner,
			"shadowed", c.Shadowed,
		)
	}
	a.logger.Info("capability directory refreshed",
		"version", snap.version,
		"servers", len(servers),
		"tools", len(snap.Tools()),
		"resources", len(snap.Resources()),
		"prompts", len(snap.Prompts()),
		"collisions", len(snap.collisions),
		"failures", len(failures),
		"elapsed", time.Since(start),
	)
	a.bus.Emit(events.SourceCapability, events.KindDirectoryRefresh, map[string]any{
		"version":    snap.version,
		"records":    snap.Len(),
		"collisions": len(snap.collisions),
		"failures":   snap.Failures(),
	})

	return snap, errors.Join(failures...)
}

func addListing(b *builder, serverID string, caps session.Capabilities) {
	for _, t := range caps.Tools {
		b.add(Record{
			Kind:        KindTool,
			Name:        t.Name,
			ServerID:    serverID,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	for _, r := range caps.Resources {
		desc := r.Description
		if desc == "" {
			desc = r.Name
		}
		b.add(Record{
			Kind:        KindResource,
			Name:        r.URI,
			ServerID:    serverID,
			Description: desc,
			MimeType:    r.MimeType,
		})
	}
	for _, p := range caps.Prompts {
		b.add(Record{
			Kind:        KindPrompt,
			Name:        p.Name,
			ServerID:    serverID,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
}
