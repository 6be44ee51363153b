package fmmessage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/bgwork"
	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/message"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/types"
)

type pendingEntry struct {
	Entry
	lastSent  time.Time
	sendCount int
}

// sentEntry is the version of an entry a retry cycle sent
type sentEntry struct {
	key      string
	sequence int64
}

type batch struct {
	entries []Entry
	isLast  bool
}

// RetryComponent keeps replica changes pending until the FM acknowledges
// them. Each retry cycle resends everything pending; an entry leaves the
// pending set only when a reply acknowledges the exact version that is
// pending, so a newer report is never lost to an older acknowledgement.
type RetryComponent struct {
	sender Sender
	cfg    *config.Component
	clock  clock.Clock
	bgm    *bgwork.Manager
	logger zerolog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingEntry
	sequence  int64
	uploading bool
	closed    bool
}

// NewRetryComponent creates a component sending through sender
func NewRetryComponent(name string, sender Sender, cfg *config.Component, clk clock.Clock) *RetryComponent {
	if clk == nil {
		clk = clock.New()
	}
	if cfg == nil {
		cfg = config.NewComponent(nil)
	}
	c := &RetryComponent{
		sender:  sender,
		cfg:     cfg,
		clock:   clk,
		logger:  log.WithComponent("fmmessage").With().Str("name", name).Logger(),
		pending: make(map[string]*pendingEntry),
	}
	c.bgm = bgwork.New(name, c.OnBgmrRetry, cfg.Get().MessageRetry, clk)
	cfg.Subscribe(func(next *config.Config) {
		c.bgm.UpdateConfig(next.MessageRetry)
	})
	return c
}

func entryKey(e Entry) string {
	if e.Stage == StageEndpointAvailable {
		return "endpoint/" + e.Replica.Key()
	}
	return "replica/" + e.Replica.Key()
}

// BeginUpload starts a node upload with the given entries, which are sent
// as StageReplicaUpload. Upload entries go out with IsLast on the batch that
// completes them; an upload without entries still sends an empty IsLast
// message.
func (c *RetryComponent) BeginUpload(entries ...Entry) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.uploading = true
	for _, e := range entries {
		e.Stage = StageReplicaUpload
		c.sequence++
		e.Replica.Sequence = c.sequence
		c.pending[entryKey(e)] = &pendingEntry{Entry: e}
	}
	c.mu.Unlock()

	c.bgm.Request(types.NewActivityID())
}

// IsUploading reports whether the FM has not yet acknowledged the end of the upload
func (c *RetryComponent) IsUploading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploading
}

// Enqueue replaces any pending change of the same replica with e and asks
// for a send. It returns the sequence assigned to e.
func (c *RetryComponent) Enqueue(e Entry) int64 {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0
	}
	key := entryKey(e)
	if prev, ok := c.pending[key]; ok && prev.Stage == StageReplicaUpload &&
		(e.Stage == StageReplicaUp || e.Stage == StageReplicaDown) {
		// still part of the upload
		e.Stage = StageReplicaUpload
	}
	c.sequence++
	e.Replica.Sequence = c.sequence
	c.pending[key] = &pendingEntry{Entry: e}
	seq := c.sequence
	c.mu.Unlock()

	c.bgm.Request(types.NewActivityID())
	return seq
}

// PendingEntries returns the entries awaiting acknowledgement, oldest first
func (c *RetryComponent) PendingEntries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

func (c *RetryComponent) sortedLocked() []Entry {
	entries := make([]Entry, 0, len(c.pending))
	for _, p := range c.pending {
		entries = append(entries, p.Entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Replica.Sequence < entries[j].Replica.Sequence
	})
	return entries
}

// snapshot groups the pending entries into messages. Upload entries go
// last; they are only marked IsLast when every one of them fits in the
// final message.
func (c *RetryComponent) snapshot(max int) ([]batch, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}
	if max <= 0 {
		max = 1
	}

	var regular, upload []Entry
	for _, e := range c.sortedLocked() {
		if e.Stage == StageReplicaUpload && c.uploading {
			upload = append(upload, e)
		} else {
			regular = append(regular, e)
		}
	}

	var batches []batch
	var current batch
	count := 0
	for _, e := range regular {
		current.entries = append(current.entries, e)
		if e.Stage == StageEndpointAvailable {
			continue
		}
		count++
		if count == max {
			batches = append(batches, current)
			current = batch{}
			count = 0
		}
	}
	if len(current.entries) > 0 {
		batches = append(batches, current)
	}

	if c.uploading {
		if len(upload) <= max {
			batches = append(batches, batch{entries: upload, isLast: true})
		} else {
			batches = append(batches, batch{entries: upload[:max]})
		}
	}
	return batches, true
}

// OnBgmrRetry sends every pending entry. It runs as the background work of
// the component and reports whether another cycle is needed.
func (c *RetryComponent) OnBgmrRetry(activityID string) {
	cfg := c.cfg.Get().MessageRetry
	batches, open := c.snapshot(cfg.MaxReplicasPerMessage)
	if !open {
		c.bgm.OnWorkComplete(bgwork.RetryNone)
		return
	}

	timeout := cfg.RetryInterval
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b := NewBuilder(ctx, c.sender, activityID)
	var sent []sentEntry
	for _, bt := range batches {
		var batched []sentEntry
		for _, e := range bt.entries {
			err := b.Send(e)
			switch {
			case err != nil:
				c.logger.Debug().Err(err).Str("replica", e.Replica.Key()).Msg("Failed to send entry")
			case e.Stage == StageEndpointAvailable:
				sent = append(sent, sentEntry{key: entryKey(e), sequence: e.Replica.Sequence})
			default:
				batched = append(batched, sentEntry{key: entryKey(e), sequence: e.Replica.Sequence})
			}
		}
		if err := b.Finalize(bt.isLast); err != nil {
			c.logger.Debug().Err(err).Str("activity_id", activityID).Msg("Failed to send replica batch")
			continue
		}
		sent = append(sent, batched...)
	}
	c.updateEntitiesAfterSend(sent)

	rt := bgwork.RetryNone
	if c.hasPending() {
		rt = bgwork.RetryNeeded
	}
	c.bgm.OnWorkComplete(rt)
}

// updateEntitiesAfterSend records that the given versions went out. It never
// removes an entry; only an acknowledgement does.
func (c *RetryComponent) updateEntitiesAfterSend(sent []sentEntry) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sent {
		p, ok := c.pending[s.key]
		if !ok || p.Replica.Sequence != s.sequence {
			continue
		}
		if p.sendCount > 0 {
			metrics.MessagesRetried.WithLabelValues(string(p.Stage)).Inc()
		}
		p.sendCount++
		p.lastSent = now
	}
}

func (c *RetryComponent) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uploading {
		return true
	}
	return len(c.pending) > 0
}

func (c *RetryComponent) ackLocked(key string, sequence int64) bool {
	p, ok := c.pending[key]
	if !ok || p.Replica.Sequence != sequence {
		return false
	}
	delete(c.pending, key)
	return true
}

// ProcessReplicaUpReply removes acknowledged reports. It returns the reports
// the FM refused for an epoch mismatch, carrying the FM's epoch; they stay
// pending until the caller enqueues a corrected version.
func (c *RetryComponent) ProcessReplicaUpReply(reply *message.Message) ([]message.FailoverUnitReplica, error) {
	var body message.ReplicaUpReplyBody
	if err := reply.Decode(&body); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	acked := 0
	for _, lists := range [][]message.FailoverUnitReplica{body.Replicas, body.DroppedReplicas} {
		for _, r := range lists {
			if c.ackLocked("replica/"+r.Key(), r.Sequence) {
				acked++
			}
		}
	}

	if reply.IsLast && c.uploading && !c.hasUploadLocked() {
		c.uploading = false
		c.logger.Info().Str("activity_id", reply.ActivityID).Msg("Replica upload acknowledged")
	}
	c.logger.Debug().
		Int("acked", acked).
		Int("stale", len(body.StaleReplicas)).
		Int("pending", len(c.pending)).
		Msg("Processed ReplicaUp reply")
	return body.StaleReplicas, nil
}

func (c *RetryComponent) hasUploadLocked() bool {
	for _, p := range c.pending {
		if p.Stage == StageReplicaUpload {
			return true
		}
	}
	return false
}

// ProcessEndpointUpdatedReply removes an acknowledged endpoint update
func (c *RetryComponent) ProcessEndpointUpdatedReply(reply *message.Message) error {
	var body message.ReplicaEndpointBody
	if err := reply.Decode(&body); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackLocked("endpoint/"+body.Replica.Key(), body.Replica.Sequence)
	return nil
}

// Close stops retries; pending entries are abandoned
func (c *RetryComponent) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.bgm.Close()
}
