// Package router implements the operation router: the single place an
// incoming request's key element is hashed and turned into a target
// shard-group endpoint, plus the pause/hold/resume/release switches the
// splitter and merger use to coordinate redistribution. The routing table
// is read by many goroutines and mutated under a writer lock with version
// numbering so readers always see a consistent snapshot.
package router

import (
	"context"
	"sort"
	"sync"

	"accessgraph.dev/acherrors"
	"accessgraph.dev/event"
	"accessgraph.dev/shardconfig"
)

// override is a dual-routing redirect: it lets a sub-range be repointed
// mid-migration without a full shard configuration reload.
type override struct {
	sourceRange event.HashRange
	target      string
}

// Router resolves shard-group endpoints for one node's write (or read)
// path.
type Router struct {
	configMu sync.RWMutex
	config   *shardconfig.Set
	version  uint64

	stateMu   sync.Mutex
	cond      *sync.Cond
	paused    []event.HashRange
	held      []event.HashRange
	overrides []override
	activeOps map[int64]int32 // opID -> hash code of the in-flight request
	nextOpID  int64
}

// New builds a Router over the initial shard configuration.
func New(config *shardconfig.Set) *Router {
	r := &Router{
		config:    config,
		activeOps: make(map[int64]int32),
	}
	r.cond = sync.NewCond(&r.stateMu)
	return r
}

// UpdateConfig replaces the routing table under the writer lock, bumping
// the version so concurrent readers always see either the old or the new
// snapshot in full, never a partial mix.
func (r *Router) UpdateConfig(config *shardconfig.Set) {
	r.configMu.Lock()
	defer r.configMu.Unlock()
	r.config = config
	r.version++
}

// Version reports the current routing-table version, useful for callers
// that want to detect whether a config change raced their read.
func (r *Router) Version() uint64 {
	r.configMu.RLock()
	defer r.configMu.RUnlock()
	return r.version
}

// Snapshot returns the routing table currently in effect, for callers that
// need to build a modified copy (e.g. adding a newly-created shard group's
// configuration) before calling UpdateConfig.
func (r *Router) Snapshot() *shardconfig.Set {
	r.configMu.RLock()
	defer r.configMu.RUnlock()
	return r.config
}

// RouteRangeTo installs a dual-routing override so events whose hash falls
// in sourceRange are sent to targetEndpoint regardless of what the
// ShardConfigurationSet says, until ClearRouteOverride is called.
func (r *Router) RouteRangeTo(sourceRange event.HashRange, targetEndpoint string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.overrides = append(r.overrides, override{sourceRange: sourceRange, target: targetEndpoint})
}

// ClearRouteOverride removes a previously installed override for
// sourceRange.
func (r *Router) ClearRouteOverride(sourceRange event.HashRange) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	kept := r.overrides[:0]
	for _, o := range r.overrides {
		if o.sourceRange != sourceRange {
			kept = append(kept, o)
		}
	}
	r.overrides = kept
}

// PauseIncomingEvents rejects subsequent requests whose key hash lies in hr
// with RoutingPaused, until ResumeIncomingEvents is called.
func (r *Router) PauseIncomingEvents(hr event.HashRange) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.paused = append(r.paused, hr)
}

// ResumeIncomingEvents lifts a pause previously installed for hr.
func (r *Router) ResumeIncomingEvents(hr event.HashRange) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	kept := r.paused[:0]
	for _, p := range r.paused {
		if p != hr {
			kept = append(kept, p)
		}
	}
	r.paused = kept
	r.cond.Broadcast()
}

// HoldEvents causes subsequent Route calls whose key hash lies in hr to
// block (the request is "enqueued but not dispatched") until
// ReleaseEvents(hr) is called.
func (r *Router) HoldEvents(hr event.HashRange) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.held = append(r.held, hr)
}

// ReleaseEvents lifts a hold previously installed for hr, waking any
// Route calls blocked on it.
func (r *Router) ReleaseEvents(hr event.HashRange) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	kept := r.held[:0]
	for _, h := range r.held {
		if h != hr {
			kept = append(kept, h)
		}
	}
	r.held = kept
	r.cond.Broadcast()
}

// GetActiveOperationsCount returns the number of in-flight requests whose
// key hash lies in hr, the quiescence signal the splitter and merger poll
// during their pause phase.
func (r *Router) GetActiveOperationsCount(hr event.HashRange) int {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	count := 0
	for _, hash := range r.activeOps {
		if hr.Contains(hash) {
			count++
		}
	}
	return count
}

func (r *Router) isPausedLocked(hash int32) bool {
	for _, p := range r.paused {
		if p.Contains(hash) {
			return true
		}
	}
	return false
}

func (r *Router) isHeldLocked(hash int32) bool {
	for _, h := range r.held {
		if h.Contains(hash) {
			return true
		}
	}
	return false
}

// Route resolves keyElement's target endpoint for (dataElement, operation),
// blocking while the owning range is held, failing with RoutingPaused while
// it is paused, and counting the request as active for the duration the
// caller holds the returned release function. The caller must call release
// exactly once.
func (r *Router) Route(ctx context.Context, dataElement shardconfig.DataElement, operation shardconfig.Operation, keyElement string) (endpoint string, release func(), err error) {
	hash := event.HashCode32(keyElement)

	r.stateMu.Lock()
	for r.isHeldLocked(hash) {
		if ctx.Err() != nil {
			r.stateMu.Unlock()
			return "", nil, ctx.Err()
		}
		r.cond.Wait()
	}
	if r.isPausedLocked(hash) {
		r.stateMu.Unlock()
		return "", nil, acherrors.New(acherrors.KindRoutingPaused, "router.Route", errRoutingPaused(hash))
	}

	opID := r.nextOpID
	r.nextOpID++
	r.activeOps[opID] = hash
	r.stateMu.Unlock()

	release = func() {
		r.stateMu.Lock()
		delete(r.activeOps, opID)
		r.stateMu.Unlock()
	}

	endpoint, err = r.resolveEndpoint(dataElement, operation, hash)
	if err != nil {
		release()
		return "", nil, err
	}
	return endpoint, release, nil
}

func (r *Router) resolveEndpoint(dataElement shardconfig.DataElement, operation shardconfig.Operation, hash int32) (string, error) {
	r.stateMu.Lock()
	for _, o := range r.overrides {
		if o.sourceRange.Contains(hash) {
			r.stateMu.Unlock()
			return o.target, nil
		}
	}
	r.stateMu.Unlock()

	r.configMu.RLock()
	defer r.configMu.RUnlock()

	matches := make([]shardconfig.Configuration, 0)
	for _, c := range r.config.All() {
		if c.DataElement == dataElement && c.Operation == operation {
			matches = append(matches, c)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].HashRangeStart < matches[j].HashRangeStart })

	var owner *shardconfig.Configuration
	for i := range matches {
		if matches[i].HashRangeStart <= hash {
			c := matches[i]
			owner = &c
			continue
		}
		break
	}
	if owner == nil {
		return "", acherrors.New(acherrors.KindValidationError, "router.resolveEndpoint", errNoShardOwner(dataElement, operation, hash))
	}
	return owner.ClientEndpoint, nil
}
