// Package save throttles durable saves across every peer of a board.
// One peer at a time holds a lease embedded in the document meta keys,
// posts the diff since the last acked save, and publishes when the next
// save is due. Peers that crash mid-save are recovered by whoever
// notices the stale lease.
package save

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/crdt"
)

// saveThrottle is the shared floor between saves of one board.
const saveThrottle = 5 * time.Minute

// claimRetry is how long a peer waits before retrying a lost claim.
const claimRetry = 30 * time.Second

// PostFunc sends a binary update to the durable log.
type PostFunc func(ctx context.Context, payload []byte) error

// Coordinator schedules and executes this session's saves.
type Coordinator struct {
	doc     *crdt.Doc
	lease   *Lease
	post    PostFunc
	onSaved func(vector string)

	mu        sync.Mutex
	timer     *time.Timer
	timerAt   time.Time
	dirty     bool
	saving    bool
	lastAcked crdt.StateVector
	closed    bool
}

func NewCoordinator(doc *crdt.Doc, post PostFunc, onSaved func(vector string)) *Coordinator {
	c := &Coordinator{
		doc:     doc,
		lease:   NewLease(doc),
		post:    post,
		onSaved: onSaved,
	}
	// hydrated content counts as acked; only changes past this point
	// need saving
	c.lastAcked = doc.StateVector()
	return c
}

// HandleUpdate reacts to one document update event. Local content
// changes schedule a save; save-meta traffic only syncs the shared
// schedule, never reschedules, or claims would loop forever.
func (c *Coordinator) HandleUpdate(ev crdt.UpdateEvent) {
	switch {
	case ev.Origin == crdt.OriginSaveMeta:
		c.SyncFromMeta(time.Now())
	case c.doc.IsLocal(ev.Origin) || ev.Origin == crdt.OriginMigration:
		c.markDirty()
		c.Schedule(time.Now())
	case ev.Origin == crdt.OriginRemote:
		// remote batches can carry peers' meta writes
		c.SyncFromMeta(time.Now())
	}
}

// Schedule arms the save timer, respecting the shared throttle. An
// already armed timer stays put. The first scheduler publishes the
// deadline to the shared meta, so every replica can arm its own timer
// at the same instant and take the save over if this one dies first.
func (c *Coordinator) Schedule(now time.Time) {
	c.mu.Lock()
	if c.closed || c.timer != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	due, ok := c.lease.NextSaveAt()
	if !ok || !due.After(now) {
		due = now.Add(saveThrottle)
		if err := c.lease.PublishNextSaveAt(due); err != nil {
			logrus.Warnf("failed to publish save schedule: %v", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// publishing the schedule echoes back as a save-meta event which may
	// have armed the timer already
	if c.closed || c.timer != nil {
		return
	}
	c.armLocked(due, now)
}

// SyncFromMeta reconciles the local timer with the shared schedule and
// recovers stalled saves. Replicas arm whether or not they have local
// edits: whoever fires first claims the lease and saves, which is what
// keeps a dead scheduler from losing the pending save.
func (c *Coordinator) SyncFromMeta(now time.Time) {
	if holder, saving := c.lease.Holder(); saving && holder != c.lease.ID() && c.lease.IsStale(now) {
		logrus.Warnf("save lease held by %s is stale, clearing", holder)
		if err := c.lease.ForceClear(); err != nil {
			logrus.Warnf("failed to clear stale save lease: %v", err)
		}
	}

	next, ok := c.lease.NextSaveAt()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// move an armed timer only when the shared schedule pushed it out
	if c.timer == nil || next.After(c.timerAt) {
		c.armLocked(next, now)
	}
}

// ForceSave saves immediately, ignoring the throttle.
func (c *Coordinator) ForceSave(ctx context.Context) error {
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
	return c.save(ctx, time.Now())
}

// Interrupt abandons this session's save intent locally. The shared
// meta keys stay untouched; another peer's schedule is not ours to
// cancel.
func (c *Coordinator) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.dirty = false
}

// Close stops the coordinator's timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
}

// IsSaving reports whether any peer currently holds the save lease.
func (c *Coordinator) IsSaving() bool {
	_, saving := c.lease.Holder()
	return saving
}

// NextSaveTime reports when the next save is due, from the local timer
// if armed, otherwise from the shared schedule.
func (c *Coordinator) NextSaveTime() (time.Time, bool) {
	c.mu.Lock()
	if c.timer != nil {
		at := c.timerAt
		c.mu.Unlock()
		return at, true
	}
	c.mu.Unlock()
	return c.lease.NextSaveAt()
}

// Dirty reports whether unsaved local changes exist.
func (c *Coordinator) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

func (c *Coordinator) markDirty() {
	c.mu.Lock()
	c.dirty = true
	c.mu.Unlock()
}

func (c *Coordinator) armLocked(at, now time.Time) {
	c.stopTimerLocked()
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	c.timerAt = at
	c.timer = time.AfterFunc(delay, c.onTimer)
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerAt = time.Time{}
}

func (c *Coordinator) onTimer() {
	c.mu.Lock()
	c.timer = nil
	c.timerAt = time.Time{}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.save(ctx, time.Now()); err != nil {
		logrus.Warnf("scheduled save failed, will retry: %v", err)
		c.mu.Lock()
		if !c.closed && c.dirty && c.timer == nil {
			c.armLocked(time.Now().Add(claimRetry), time.Now())
		}
		c.mu.Unlock()
	}
}

// save claims the lease, posts the diff since the last acked save, and
// releases with the next due time. A lost claim reschedules quietly;
// the winner's release will republish the shared schedule.
func (c *Coordinator) save(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	if c.saving {
		c.mu.Unlock()
		return nil
	}
	c.saving = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.saving = false
		c.mu.Unlock()
	}()

	c.mu.Lock()
	since := c.lastAcked
	c.mu.Unlock()

	diff, err := c.doc.ChangesSince(since)
	if err != nil {
		// unknown baseline; fall back to the full document
		diff = c.doc.Save()
	}

	// nothing past the acked baseline means another replica already
	// saved this content; stay out of the lease entirely
	if len(diff) == 0 {
		c.mu.Lock()
		c.dirty = false
		c.mu.Unlock()
		return nil
	}

	won, err := c.lease.Claim(now)
	if err != nil {
		return err
	}
	if !won {
		c.mu.Lock()
		if !c.closed && c.timer == nil {
			c.armLocked(now.Add(claimRetry), now)
		}
		c.mu.Unlock()
		return nil
	}

	if err := c.post(ctx, diff); err != nil {
		if relErr := c.lease.Release(now.Add(claimRetry)); relErr != nil {
			logrus.Warnf("failed to release save lease: %v", relErr)
		}
		return err
	}

	acked := c.doc.StateVector()
	c.mu.Lock()
	c.lastAcked = acked
	c.dirty = false
	c.mu.Unlock()

	if c.onSaved != nil {
		c.onSaved(acked.Encode())
	}

	return c.lease.Release(now.Add(saveThrottle))
}
