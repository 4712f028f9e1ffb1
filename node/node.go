// Package node wires the pipeline components together into one running
// access node: the set of shard groups this process hosts, their shared
// operation router, and the migration machinery the redistribution HTTP API
// drives.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"accessgraph.dev/event"
	"accessgraph.dev/eventlog"
	"accessgraph.dev/flush"
	"accessgraph.dev/merger"
	"accessgraph.dev/migration"
	"accessgraph.dev/persister"
	"accessgraph.dev/replaycache"
	"accessgraph.dev/router"
	"accessgraph.dev/shardconfig"
	"accessgraph.dev/splitter"
	"accessgraph.dev/storage"
	"accessgraph.dev/writebuffer"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Tuning bundles the environment-sourced knobs: buffer size limit, flush
// loop interval, redistribution batch size, retry counts and intervals.
type Tuning struct {
	BufferSizeLimit                                  int
	FlushLoopInterval                                time.Duration
	EventBatchSize                                   int
	SourceWriterOperationsCompleteCheckRetryAttempts int
	RetryInterval                                    time.Duration
}

// shardGroup bundles one (DataElement, Operation, HashRangeStart) group's
// locally-hosted write stack: storage, event log, replay cache, write
// buffer, flush strategy.
type shardGroup struct {
	key    shardconfig.Key
	db     *storage.DB
	store  *eventlog.Store
	cache  *replaycache.Cache
	buffer *writebuffer.Buffer
	flush  *flush.Strategy
}

// Node is one running process: the shard groups it hosts locally, the
// shared router every one of them routes through, and the migration
// bookkeeping the Redistribution API drives.
type Node struct {
	mu       sync.RWMutex
	groups   map[shardconfig.Key]*shardGroup
	router   *router.Router
	phases   *migration.Manager
	hub      *migration.Hub
	lock     *migration.Lock
	tuning   Tuning
	log      *logrus.Entry
	metrics  *merger.Metrics
	selfAddr string

	configStore   *shardconfig.Store
	configChannel string
}

// New builds an empty Node over an already-constructed redis client (used
// for the migration lock) and shard-configuration set (used to seed the
// router). Shard groups are added afterward via CreateShardGroup as the
// instance-constructor endpoint delivers them.
func New(redisClient *redis.Client, initial *shardconfig.Set, tuning Tuning, selfAddr string, log *logrus.Entry) *Node {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	phases := migration.NewManager()
	return &Node{
		groups:   make(map[shardconfig.Key]*shardGroup),
		router:   router.New(initial),
		phases:   phases,
		hub:      migration.NewHub(phases, log),
		lock:     migration.NewLock(redisClient, "node", 30*time.Second),
		tuning:   tuning,
		log:      log,
		metrics:  merger.NewMetrics(""),
		selfAddr: selfAddr,
	}
}

// Hub exposes the migration-progress push channel so the HTTP layer can
// register it at a WebSocket endpoint.
func (n *Node) Hub() *migration.Hub { return n.hub }

// SetConfigStore wires a durable shard-configuration store into this node:
// every subsequent routing-table change is persisted and broadcast on
// channel so peer nodes' router.ConfigListener pick it up. Optional: a
// Node without one only updates its in-memory router.Router.
func (n *Node) SetConfigStore(store *shardconfig.Store, channel string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configStore = store
	n.configChannel = channel
}

// persistConfigLocked saves the current routing table if a config store is
// wired, logging (not failing the caller) on error: the in-memory router is
// already authoritative for this process, and peers will still pick up the
// change on their next config-store read even if this particular NOTIFY is
// lost.
func (n *Node) persistConfigLocked(ctx context.Context, set *shardconfig.Set) {
	if n.configStore == nil {
		return
	}
	if err := n.configStore.Save(ctx, set, n.configChannel); err != nil {
		n.log.WithError(err).Warn("failed to persist shard configuration change")
	}
}

// Router exposes the shared operation router, e.g. for the routing control
// API.
func (n *Node) Router() *router.Router { return n.router }

// CreateShardGroup provisions the local write stack for one shard group
// this node is declared to own (ClientEndpoint == selfAddr) and installs
// its routing-table entry regardless of ownership, so this node can still
// route to peers. Called once per shard-group configuration entry the
// instance constructor delivers.
func (n *Node) CreateShardGroup(ctx context.Context, cfg shardconfig.Configuration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	set := n.currentSetLocked()
	next, err := set.Add(cfg)
	if err != nil {
		return err
	}
	n.router.UpdateConfig(next)
	n.persistConfigLocked(ctx, next)

	if cfg.ClientEndpoint != n.selfAddr || cfg.Operation != shardconfig.OperationEvent {
		return nil
	}

	group, err := n.provisionGroup(ctx, cfg)
	if err != nil {
		return err
	}
	n.groups[group.key] = group
	return nil
}

// provisionGroup builds the storage/log/cache/buffer/flush stack for cfg
// without touching the routing table or the group registry.
func (n *Node) provisionGroup(ctx context.Context, cfg shardconfig.Configuration) (*shardGroup, error) {
	db, err := storage.NewDB(ctx, cfg.StorageConnection)
	if err != nil {
		return nil, fmt.Errorf("connect shard group storage: %w", err)
	}
	gdb, err := storage.GormOpen(cfg.StorageConnection)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open shard group schema connection: %w", err)
	}
	err = storage.Migrate(gdb)
	if sqlDB, dbErr := gdb.DB(); dbErr == nil {
		sqlDB.Close()
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate shard group schema: %w", err)
	}
	store := eventlog.NewStore(db)
	cache := replaycache.New(n.tuning.BufferSizeLimit * 4)
	sink := persister.New(store, cache)

	group := &shardGroup{
		key:   cfg.Key(),
		db:    db,
		store: store,
		cache: cache,
	}
	group.flush = flush.New(flush.Config{
		BufferSizeLimit:   n.tuning.BufferSizeLimit,
		FlushLoopInterval: n.tuning.FlushLoopInterval,
	}, persister.AsPersistFunc(sink))
	group.buffer = writebuffer.New(group.flush)
	group.flush.Start(ctx)
	return group, nil
}

func (n *Node) currentSetLocked() *shardconfig.Set {
	return n.router.Snapshot()
}

// ShardGroup returns the write buffer for a locally-hosted shard group, for
// callers that accept client write requests directly on this node.
func (n *Node) ShardGroup(key shardconfig.Key) (*writebuffer.Buffer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	g, ok := n.groups[key]
	if !ok {
		return nil, false
	}
	return g.buffer, true
}

// DeleteInstance tears down every locally-hosted shard group, optionally
// dropping their backing storage.
func (n *Node) DeleteInstance(ctx context.Context, deleteStorage bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, g := range n.groups {
		g.flush.Flush(ctx)
		g.flush.Stop()
		if deleteStorage {
			if err := g.store.DeleteInRange(ctx, event.HashRange{Start: -2147483648, End: 2147483647}, true); err != nil {
				n.log.WithError(err).WithField("shard_group", key).Warn("failed to delete shard group storage during instance teardown")
			}
		}
		g.db.Close()
		delete(n.groups, key)
	}
	return nil
}

// SplitConfig is the HTTP-layer translation of the split endpoint's body.
type SplitConfig struct {
	MigrationID                             string
	DataElement                             shardconfig.DataElement
	HashRangeStart                          int32
	SplitHashRangeStart, SplitHashRangeEnd  int32
	TargetEndpoint, TargetStorageConnection string
	EventBatchSize                          int
	OperationsCompleteRetryAttempts         int
	OperationsCompleteRetryInterval         time.Duration
}

// Split runs an online split against a locally-hosted shard group. Returns
// acherrors.KindQuiescenceTimeout on quiescence failure (maps to 504 at the
// HTTP layer) and ErrMigrationActive if another migration already holds
// this node's lock (maps to 409).
func (n *Node) Split(ctx context.Context, cfg SplitConfig) error {
	acquired, err := n.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return errMigrationActive()
	}
	defer n.lock.Release(ctx)

	sourceKey := shardconfig.Key{DataElement: cfg.DataElement, Operation: shardconfig.OperationEvent, HashRangeStart: cfg.HashRangeStart}

	n.mu.RLock()
	group, ok := n.groups[sourceKey]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no locally-hosted shard group for %+v", sourceKey)
	}
	if cfg.SplitHashRangeStart == cfg.HashRangeStart {
		return fmt.Errorf("split range must be a strict sub-range: it cannot start at the source's own range start %d", cfg.HashRangeStart)
	}
	if cfg.TargetEndpoint != n.selfAddr {
		// target is hosted by a peer node; this process only coordinates the
		// migration and expects targetSink to be reached over the network.
		// Not wired in this single-process build (DESIGN.md).
		return fmt.Errorf("split target endpoint %s is not hosted by this node", cfg.TargetEndpoint)
	}

	// The target's stack is provisioned outside the routing table: its
	// configuration entry is only installed during the pause phase, so an
	// aborted split leaves routing unchanged.
	targetCfg := shardconfig.Configuration{
		DataElement:       cfg.DataElement,
		Operation:         shardconfig.OperationEvent,
		HashRangeStart:    cfg.SplitHashRangeStart,
		ClientEndpoint:    cfg.TargetEndpoint,
		StorageConnection: cfg.TargetStorageConnection,
	}
	targetGroup, err := n.provisionGroup(ctx, targetCfg)
	if err != nil {
		return fmt.Errorf("provision split target: %w", err)
	}
	targetSink := persister.NewIdempotentBulkPersister(targetGroup.store, targetGroup.cache)

	sp := splitter.New(splitter.Config{
		MigrationID:    cfg.MigrationID,
		SplitRange:     event.HashRange{Start: cfg.SplitHashRangeStart, End: cfg.SplitHashRangeEnd},
		TargetEndpoint: cfg.TargetEndpoint,
		EventBatchSize: cfg.EventBatchSize,
		SourceWriterOperationsCompleteCheckRetryAttempts: cfg.OperationsCompleteRetryAttempts,
		RetryInterval:      cfg.OperationsCompleteRetryInterval,
		SourceIsGroupShard: cfg.DataElement == shardconfig.DataElementGroup,
	}, group.store, targetSink, n.router, group.flush, n.phases, sourceKey, n.updateConfigAdd)

	if err := sp.Run(ctx); err != nil {
		targetGroup.flush.Stop()
		targetGroup.db.Close()
		return err
	}

	n.mu.Lock()
	n.groups[targetGroup.key] = targetGroup
	n.mu.Unlock()
	return nil
}

// updateConfigAdd installs a new shard configuration entry (the split
// range's, pointing at the target endpoint) alongside the existing ones.
// The source's entry is left in place: it keeps owning the retained range
// below the split point.
func (n *Node) updateConfigAdd(added shardconfig.Configuration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	next, err := n.currentSetLocked().Add(added)
	if err != nil {
		n.log.WithError(err).Warn("failed to install split-range shard configuration entry")
		return
	}
	n.router.UpdateConfig(next)
	n.persistConfigLocked(context.Background(), next)
}

func (n *Node) updateConfigMerge(removeKeys []shardconfig.Key, replacement shardconfig.Configuration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	set := n.currentSetLocked()
	for _, k := range removeKeys {
		set = set.Replace(k, replacement)
	}
	n.router.UpdateConfig(set)
	n.persistConfigLocked(context.Background(), set)
}

// MergeConfig is the HTTP-layer translation of the merge endpoint's body.
type MergeConfig struct {
	MigrationID                                  string
	DataElement                                  shardconfig.DataElement
	Source1HashRangeStart, Source2HashRangeStart int32
	Source1HashRangeEnd, Source2HashRangeEnd     int32
	TargetEndpoint, TargetStorageConnection      string
	EventBatchSize                               int
	NoEventsReadAction                           merger.NoEventsReadAction
	IgnoreInvalidEvents                          bool
	OperationsCompleteRetryAttempts              int
	OperationsCompleteRetryInterval              time.Duration
}

// Merge runs an online merge of two locally-hosted adjacent shard groups.
func (n *Node) Merge(ctx context.Context, cfg MergeConfig) error {
	acquired, err := n.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return errMigrationActive()
	}
	defer n.lock.Release(ctx)

	key1 := shardconfig.Key{DataElement: cfg.DataElement, Operation: shardconfig.OperationEvent, HashRangeStart: cfg.Source1HashRangeStart}
	key2 := shardconfig.Key{DataElement: cfg.DataElement, Operation: shardconfig.OperationEvent, HashRangeStart: cfg.Source2HashRangeStart}

	n.mu.RLock()
	g1, ok1 := n.groups[key1]
	g2, ok2 := n.groups[key2]
	n.mu.RUnlock()
	if !ok1 || !ok2 {
		return fmt.Errorf("merge requires both source shard groups to be locally hosted")
	}
	if cfg.TargetEndpoint != n.selfAddr {
		return fmt.Errorf("merge target endpoint %s is not hosted by this node", cfg.TargetEndpoint)
	}

	// The target's configuration key collides with source 1's until the
	// config switch, so its stack is provisioned outside the registry and
	// only registered once the merge has repointed the combined range.
	targetCfg := shardconfig.Configuration{
		DataElement:       cfg.DataElement,
		Operation:         shardconfig.OperationEvent,
		HashRangeStart:    cfg.Source1HashRangeStart,
		ClientEndpoint:    cfg.TargetEndpoint,
		StorageConnection: cfg.TargetStorageConnection,
	}
	targetGroup, err := n.provisionGroup(ctx, targetCfg)
	if err != nil {
		return fmt.Errorf("provision merge target: %w", err)
	}
	targetSink := persister.NewIdempotentBulkPersister(targetGroup.store, targetGroup.cache)

	m := merger.New(merger.Config{
		MigrationID:         cfg.MigrationID,
		DataElement:         cfg.DataElement,
		Operation:           shardconfig.OperationEvent,
		Source1Range:        event.HashRange{Start: cfg.Source1HashRangeStart, End: cfg.Source1HashRangeEnd},
		Source2Range:        event.HashRange{Start: cfg.Source2HashRangeStart, End: cfg.Source2HashRangeEnd},
		TargetEndpoint:      cfg.TargetEndpoint,
		EventBatchSize:      cfg.EventBatchSize,
		NoEventsReadAction:  cfg.NoEventsReadAction,
		IgnoreInvalidEvents: cfg.IgnoreInvalidEvents,
		SourceWriterOperationsCompleteCheckRetryAttempts: cfg.OperationsCompleteRetryAttempts,
		RetryInterval: cfg.OperationsCompleteRetryInterval,
	}, g1.store, g2.store, targetSink, n.router, g1.flush, g2.flush, n.phases, n.metrics,
		[]shardconfig.Key{key1, key2}, n.updateConfigMerge, n.log)

	if err := m.Run(ctx); err != nil {
		targetGroup.flush.Stop()
		targetGroup.db.Close()
		return err
	}

	n.mu.Lock()
	g1.flush.Stop()
	g2.flush.Stop()
	g1.db.Close()
	g2.db.Close()
	delete(n.groups, key1)
	delete(n.groups, key2)
	n.groups[targetGroup.key] = targetGroup
	n.mu.Unlock()
	return nil
}

// ErrMigrationActive is returned by Split/Merge when this node's migration
// lock is already held. The HTTP layer maps it to 409 Conflict.
var ErrMigrationActive = errors.New("a redistribution is already in progress on this node")

func errMigrationActive() error { return ErrMigrationActive }
