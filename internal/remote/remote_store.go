package remote

import (
	"log/slog"
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/asyncqueue"
	"github.com/syntrixbase/syntrix-sync/internal/auth"
	"github.com/syntrixbase/syntrix-sync/internal/metrics"
	"github.com/syntrixbase/syntrix-sync/pkg/model"
	"github.com/syntrixbase/syntrix-sync/pkg/mutation"
)

// LocalStore is the part of the local store the remote store reads.
type LocalStore interface {
	// NextMutationBatch returns the first pending batch after afterBatchID,
	// or nil.
	NextMutationBatch(afterBatchID int) (*mutation.Batch, error)
	// LastRemoteSnapshotVersion is the version of the last applied remote event.
	LastRemoteSnapshotVersion() model.SnapshotVersion
	SetLastStreamToken(token []byte) error
	LastStreamToken() []byte
}

// RemoteSyncer receives what the remote store learned from the server.
// Methods are called on the queue goroutine.
type RemoteSyncer interface {
	ApplyRemoteEvent(event RemoteEvent) error
	// RejectListen reports that the server removed a target because of err.
	RejectListen(id model.TargetID, err error) error
	ApplySuccessfulWrite(result mutation.BatchResult) error
	RejectFailedWrite(batchID int, err error) error
	// GetRemoteKeysForTarget returns the keys the server last reported for
	// the target, including limbo targets the local store does not know.
	GetRemoteKeysForTarget(id model.TargetID) KeySet
	HandleCredentialChange(user auth.User) error
}

// Config configures a RemoteStore.
type Config struct {
	Stream StreamConfig
	// WritePipelineSize bounds the batches in flight on the write stream.
	WritePipelineSize  int
	OnlineStateTimeout time.Duration
	// NetworkRecoveryDelay is the wait before re-enabling the network after
	// the local store failed to apply a server result.
	NetworkRecoveryDelay time.Duration
	Database             DatabaseID
}

// DefaultConfig returns the defaults of the client.
func DefaultConfig() Config {
	return Config{
		Stream:               DefaultStreamConfig(),
		WritePipelineSize:    10,
		OnlineStateTimeout:   10 * time.Second,
		NetworkRecoveryDelay: time.Second,
		Database:             DefaultDatabaseID,
	}
}

// ApplyDefaults fills zero values with defaults. Negative stream timings
// stay as they are and disable their timer.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	c.Stream.ApplyDefaults()
	if c.WritePipelineSize <= 0 {
		c.WritePipelineSize = defaults.WritePipelineSize
	}
	if c.OnlineStateTimeout == 0 {
		c.OnlineStateTimeout = defaults.OnlineStateTimeout
	}
	if c.NetworkRecoveryDelay == 0 {
		c.NetworkRecoveryDelay = defaults.NetworkRecoveryDelay
	}
	if c.Database.Database == "" {
		c.Database.Database = defaults.Database.Database
	}
	if c.Database.Project == "" {
		c.Database.Project = defaults.Database.Project
	}
}

type offlineCause int

const (
	causeUserDisabled offlineCause = iota
	causeLocalStoreFailure
	causeCredentialChange
	causeShutdown
)

// RemoteStore owns the watch and write streams. It keeps the set of
// listened targets and the write pipeline, restarts streams as needed and
// hands server results to the RemoteSyncer. All methods must run on the
// queue goroutine.
type RemoteStore struct {
	cfg        Config
	queue      *asyncqueue.Queue
	localStore LocalStore
	syncer     RemoteSyncer
	logger     *slog.Logger

	watchStream *WatchStream
	writeStream *WriteStream

	listenTargets map[model.TargetID]model.TargetData
	writePipeline []*mutation.Batch
	aggregator    *WatchChangeAggregator
	offlineCauses map[offlineCause]struct{}
	onlineState   *OnlineStateTracker
	recoveryTimer *asyncqueue.DelayedOperation
}

// NewRemoteStore creates a remote store with the network disabled until
// Start. onlineStateChanged is called on the queue goroutine.
func NewRemoteStore(cfg Config, queue *asyncqueue.Queue, conn Connection, creds auth.CredentialsProvider,
	localStore LocalStore, onlineStateChanged func(OnlineState), logger *slog.Logger) *RemoteStore {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "remote-store")
	cfg.ApplyDefaults()
	rs := &RemoteStore{
		cfg:           cfg,
		queue:         queue,
		localStore:    localStore,
		logger:        logger,
		listenTargets: map[model.TargetID]model.TargetData{},
		offlineCauses: map[offlineCause]struct{}{causeUserDisabled: {}},
	}
	rs.onlineState = NewOnlineStateTracker(queue, cfg.OnlineStateTimeout, func(s OnlineState) {
		metrics.OnlineState.Set(float64(s))
		if onlineStateChanged != nil {
			onlineStateChanged(s)
		}
	}, logger)
	rs.watchStream = NewWatchStream(queue, conn, creds, cfg.Stream, rs, logger)
	rs.writeStream = NewWriteStream(queue, conn, creds, cfg.Stream, rs, logger)
	return rs
}

// SetSyncer wires the sync engine. It must be called before Start.
func (rs *RemoteStore) SetSyncer(syncer RemoteSyncer) {
	rs.syncer = syncer
}

// Start enables the network.
func (rs *RemoteStore) Start() {
	rs.EnableNetwork()
}

// EnableNetwork re-enables the network after DisableNetwork.
func (rs *RemoteStore) EnableNetwork() {
	delete(rs.offlineCauses, causeUserDisabled)
	rs.enableNetworkInternal()
}

// DisableNetwork stops both streams. Writes stay queued and listens stay
// registered until the network is enabled again.
func (rs *RemoteStore) DisableNetwork() {
	rs.offlineCauses[causeUserDisabled] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(Offline)
}

// Shutdown stops the streams for good.
func (rs *RemoteStore) Shutdown() {
	rs.logger.Debug("Shutting down remote store")
	rs.offlineCauses[causeShutdown] = struct{}{}
	if rs.recoveryTimer != nil {
		rs.recoveryTimer.Cancel()
		rs.recoveryTimer = nil
	}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineUnknown)
}

func (rs *RemoteStore) CanUseNetwork() bool { return len(rs.offlineCauses) == 0 }

func (rs *RemoteStore) OnlineState() OnlineState { return rs.onlineState.State() }

func (rs *RemoteStore) enableNetworkInternal() {
	if !rs.CanUseNetwork() {
		return
	}
	rs.writeStream.SetLastStreamToken(rs.localStore.LastStreamToken())
	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else {
		rs.onlineState.Set(OnlineUnknown)
	}
	rs.FillWritePipeline()
}

func (rs *RemoteStore) disableNetworkInternal() {
	rs.writeStream.Stop()
	rs.watchStream.Stop()
	if len(rs.writePipeline) > 0 {
		rs.logger.Debug("Stopping write stream with pending writes", "pending", len(rs.writePipeline))
		rs.writePipeline = nil
	}
	rs.aggregator = nil
}

// Listen starts watching a target. Listening to a target twice is a no-op.
func (rs *RemoteStore) Listen(td model.TargetData) {
	if _, ok := rs.listenTargets[td.TargetID]; ok {
		return
	}
	rs.listenTargets[td.TargetID] = td
	if rs.shouldStartWatchStream() {
		rs.startWatchStream()
	} else if rs.watchStream.IsOpen() {
		rs.sendWatchRequest(td)
	}
}

// Unlisten stops watching a target.
func (rs *RemoteStore) Unlisten(id model.TargetID) {
	_, ok := rs.listenTargets[id]
	model.HardAssert(ok, "unlisten of unknown target %d", id)
	delete(rs.listenTargets, id)
	if rs.watchStream.IsOpen() {
		rs.sendUnwatchRequest(id)
	}
	if len(rs.listenTargets) == 0 {
		if rs.watchStream.IsOpen() {
			rs.watchStream.MarkIdle()
		} else if rs.CanUseNetwork() {
			// Without targets the stream is not restarted, so the online
			// state can no longer be learned.
			rs.onlineState.Set(OnlineUnknown)
		}
	}
}

// GetTargetDataForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetTargetDataForTarget(id model.TargetID) (model.TargetData, bool) {
	td, ok := rs.listenTargets[id]
	return td, ok
}

// GetRemoteKeysForTarget implements TargetMetadataProvider.
func (rs *RemoteStore) GetRemoteKeysForTarget(id model.TargetID) KeySet {
	return rs.syncer.GetRemoteKeysForTarget(id)
}

func (rs *RemoteStore) sendWatchRequest(td model.TargetData) {
	rs.aggregator.RecordPendingTargetRequest(td.TargetID)
	if len(td.ResumeToken) > 0 || td.SnapshotVersion > model.MinVersion {
		td = td.WithExpectedCount(rs.GetRemoteKeysForTarget(td.TargetID).Len())
	}
	rs.watchStream.Watch(td)
}

func (rs *RemoteStore) sendUnwatchRequest(id model.TargetID) {
	rs.aggregator.RecordPendingTargetRequest(id)
	rs.watchStream.Unwatch(id)
}

func (rs *RemoteStore) shouldStartWatchStream() bool {
	return rs.CanUseNetwork() && !rs.watchStream.IsStarted() && len(rs.listenTargets) > 0
}

func (rs *RemoteStore) startWatchStream() {
	model.HardAssert(rs.shouldStartWatchStream(), "starting watch stream that should not be started")
	rs.aggregator = NewWatchChangeAggregator(rs, rs.cfg.Database, rs.logger)
	rs.watchStream.Start()
	rs.onlineState.HandleWatchStreamStart()
}

// OnWatchStreamOpen re-sends every target; the server forgets them when a
// stream closes.
func (rs *RemoteStore) OnWatchStreamOpen() {
	for _, td := range rs.listenTargets {
		rs.sendWatchRequest(td)
	}
}

func (rs *RemoteStore) OnWatchStreamClose(err error) {
	if err == nil {
		model.HardAssert(!rs.shouldStartWatchStream(), "watch stream closed cleanly but should be running")
	}
	rs.aggregator = nil
	if rs.shouldStartWatchStream() {
		rs.onlineState.HandleWatchStreamFailure(err)
		rs.startWatchStream()
	} else {
		rs.onlineState.Set(OnlineUnknown)
	}
}

func (rs *RemoteStore) OnWatchStreamChange(change *ListenResponse, version model.SnapshotVersion) {
	rs.onlineState.Set(Online)

	if tc := change.TargetChange; tc != nil && tc.State == TargetRemoved && tc.Cause != nil {
		rs.handleTargetError(tc)
		return
	}

	switch {
	case change.DocumentChange != nil:
		rs.aggregator.HandleDocumentChange(change.DocumentChange)
	case change.Filter != nil:
		rs.aggregator.HandleExistenceFilter(change.Filter)
	case change.TargetChange != nil:
		rs.aggregator.HandleTargetChange(change.TargetChange)
	default:
		rs.logger.Warn("Ignoring empty listen response")
	}

	if version != model.MinVersion && version >= rs.localStore.LastRemoteSnapshotVersion() {
		// Only raise events for snapshots newer than what was applied; the
		// server replays older changes after a resume.
		if err := rs.raiseWatchSnapshot(version); err != nil {
			rs.handleLocalStoreFailure(err)
		}
	}
}

func (rs *RemoteStore) handleTargetError(tc *WatchTargetChange) {
	for _, id := range tc.TargetIDs {
		if _, ok := rs.listenTargets[id]; !ok {
			continue
		}
		delete(rs.listenTargets, id)
		rs.aggregator.RemoveTarget(id)
		if err := rs.syncer.RejectListen(id, tc.Cause); err != nil {
			rs.handleLocalStoreFailure(err)
			return
		}
	}
}

func (rs *RemoteStore) raiseWatchSnapshot(version model.SnapshotVersion) error {
	model.HardAssert(version != model.MinVersion, "cannot raise a snapshot at the minimum version")
	event := rs.aggregator.CreateRemoteEvent(version)

	for id, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if td, ok := rs.listenTargets[id]; ok {
			rs.listenTargets[id] = td.WithResumeToken(change.ResumeToken, version)
		}
	}

	for id, purpose := range event.TargetMismatches {
		td, ok := rs.listenTargets[id]
		if !ok {
			continue
		}
		metrics.TargetResets.WithLabelValues(purpose.String()).Inc()
		// Drop the resume token so the query is re-run from scratch.
		rs.listenTargets[id] = td.WithResumeToken(nil, td.SnapshotVersion)
		rs.sendUnwatchRequest(id)
		rs.sendWatchRequest(model.NewTargetData(td.Target, id, purpose, td.SequenceNumber))
	}

	return rs.syncer.ApplyRemoteEvent(event)
}

// handleLocalStoreFailure takes the network down and retries later, so no
// server result is dropped while the local store cannot apply it.
func (rs *RemoteStore) handleLocalStoreFailure(err error) {
	rs.logger.Error("Failed to apply server result, disabling network", "error", err)
	rs.offlineCauses[causeLocalStoreFailure] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(Offline)
	if rs.recoveryTimer != nil {
		rs.recoveryTimer.Cancel()
	}
	rs.recoveryTimer = rs.queue.EnqueueAfterDelay(asyncqueue.TimerNetworkRecovery, rs.cfg.NetworkRecoveryDelay, func() {
		rs.recoveryTimer = nil
		delete(rs.offlineCauses, causeLocalStoreFailure)
		rs.enableNetworkInternal()
	})
}

// FillWritePipeline loads pending batches from the local store until the
// pipeline is full and starts the write stream if needed.
func (rs *RemoteStore) FillWritePipeline() {
	lastBatchID := mutation.BatchIDUnknown
	if n := len(rs.writePipeline); n > 0 {
		lastBatchID = rs.writePipeline[n-1].BatchID
	}
	for rs.canAddToWritePipeline() {
		batch, err := rs.localStore.NextMutationBatch(lastBatchID)
		if err != nil {
			rs.handleLocalStoreFailure(err)
			return
		}
		if batch == nil {
			if len(rs.writePipeline) == 0 {
				rs.writeStream.MarkIdle()
			}
			break
		}
		lastBatchID = batch.BatchID
		rs.addToWritePipeline(batch)
	}
	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}
}

// OutstandingWrites returns how many batches are in the pipeline.
func (rs *RemoteStore) OutstandingWrites() int { return len(rs.writePipeline) }

func (rs *RemoteStore) canAddToWritePipeline() bool {
	return rs.CanUseNetwork() && len(rs.writePipeline) < rs.cfg.WritePipelineSize
}

func (rs *RemoteStore) addToWritePipeline(batch *mutation.Batch) {
	rs.writePipeline = append(rs.writePipeline, batch)
	if rs.writeStream.IsOpen() && rs.writeStream.HandshakeComplete() {
		rs.writeStream.WriteMutations(batch.Mutations)
	}
}

func (rs *RemoteStore) shouldStartWriteStream() bool {
	return rs.CanUseNetwork() && !rs.writeStream.IsStarted() && len(rs.writePipeline) > 0
}

func (rs *RemoteStore) OnWriteStreamOpen() {
	rs.writeStream.WriteHandshake()
}

func (rs *RemoteStore) OnWriteHandshakeComplete() {
	if err := rs.localStore.SetLastStreamToken(rs.writeStream.LastStreamToken()); err != nil {
		rs.handleLocalStoreFailure(err)
		return
	}
	for _, batch := range rs.writePipeline {
		rs.writeStream.WriteMutations(batch.Mutations)
	}
}

func (rs *RemoteStore) OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) {
	model.HardAssert(len(rs.writePipeline) > 0, "got a mutation result with an empty write pipeline")
	batch := rs.writePipeline[0]
	rs.writePipeline = rs.writePipeline[1:]

	result, err := mutation.NewBatchResult(batch, commitVersion, results, rs.writeStream.LastStreamToken())
	if err != nil {
		model.Fail("invalid write response for batch %d: %v", batch.BatchID, err)
	}
	if err := rs.syncer.ApplySuccessfulWrite(result); err != nil {
		rs.handleLocalStoreFailure(err)
		return
	}
	rs.FillWritePipeline()
}

func (rs *RemoteStore) OnWriteStreamClose(err error) {
	if err == nil {
		model.HardAssert(!rs.shouldStartWriteStream(), "write stream closed cleanly but should be running")
	}
	if err != nil && len(rs.writePipeline) > 0 {
		if rs.writeStream.HandshakeComplete() {
			rs.handleWriteError(err)
		} else {
			rs.handleHandshakeError(err)
		}
	}
	if rs.shouldStartWriteStream() {
		rs.writeStream.Start()
	}
}

func (rs *RemoteStore) handleHandshakeError(err error) {
	code := model.CodeOf(err)
	if model.IsPermanentError(code) || code == model.CodeAborted {
		rs.logger.Debug("Resetting stream token after handshake error", "error", err)
		rs.writeStream.SetLastStreamToken(nil)
		if err := rs.localStore.SetLastStreamToken(nil); err != nil {
			rs.handleLocalStoreFailure(err)
		}
	}
}

func (rs *RemoteStore) handleWriteError(err error) {
	code := model.CodeOf(err)
	if !model.IsPermanentWriteError(code) {
		return
	}
	// The head batch was rejected. Drop it and retry the rest right away.
	batch := rs.writePipeline[0]
	rs.writeStream.InhibitBackoff()
	rs.writePipeline = rs.writePipeline[1:]
	if err := rs.syncer.RejectFailedWrite(batch.BatchID, err); err != nil {
		rs.handleLocalStoreFailure(err)
		return
	}
	rs.FillWritePipeline()
}

// HandleCredentialChange restarts the streams for a new user.
func (rs *RemoteStore) HandleCredentialChange(user auth.User) error {
	rs.logger.Debug("Restarting streams for new credential", "user", user.String())
	rs.offlineCauses[causeCredentialChange] = struct{}{}
	rs.disableNetworkInternal()
	rs.onlineState.Set(OnlineUnknown)
	err := rs.syncer.HandleCredentialChange(user)
	delete(rs.offlineCauses, causeCredentialChange)
	rs.enableNetworkInternal()
	return err
}
