package save

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/graph"
)

type countingPoster struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (p *countingPoster) post(ctx context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return nil
}

func (p *countingPoster) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

func addNode(t *testing.T, doc *crdt.Doc, id string) {
	t.Helper()
	assert.NoError(t, doc.Transact(doc.LocalOrigin(), func(tx *crdt.Tx) error {
		return tx.PutNode(&graph.Node{ID: id, Type: graph.NodeTypePoint})
	}))
}

func TestCoordinator_ForceSavePostsDiff(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}

	var savedVector string
	c := NewCoordinator(doc, poster.post, func(v string) { savedVector = v })
	defer c.Close()

	addNode(t, doc, "n1")

	assert.NoError(t, c.ForceSave(context.Background()))
	assert.Equal(t, 1, poster.count())
	assert.NotEmpty(t, savedVector)

	// the posted diff reconstructs the change on a fresh replica
	replica := crdt.NewDoc()
	assert.NoError(t, replica.ApplyRemote(poster.payloads[0]))
	assert.Len(t, replica.Nodes(), 1)

	// lease released, next save scheduled out by the throttle
	assert.False(t, c.IsSaving())
	next, ok := c.NextSaveTime()
	assert.True(t, ok)
	assert.InDelta(t, time.Until(next).Seconds(), saveThrottle.Seconds(), 5)
}

func TestCoordinator_ForceSaveWithoutChangesPostsNothing(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	addNode(t, doc, "n1")
	assert.NoError(t, c.ForceSave(context.Background()))
	assert.Equal(t, 1, poster.count())

	// nothing new since the last acked save
	assert.NoError(t, c.ForceSave(context.Background()))
	assert.Equal(t, 1, poster.count())
}

func TestCoordinator_SaveMetaEventsDoNotSchedule(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	// a peer's lease traffic must never make this session dirty
	c.HandleUpdate(crdt.UpdateEvent{Origin: crdt.OriginSaveMeta})
	assert.False(t, c.Dirty())
	_, armed := c.NextSaveTime()
	assert.False(t, armed)
}

func TestCoordinator_LocalChangeSchedules(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	// shared schedule keeps the timer from firing during the test
	next := time.Now().Add(saveThrottle)
	assert.NoError(t, doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		return tx.SetMeta(metaNextSaveAt, float64(next.UnixMilli()))
	}))

	addNode(t, doc, "n1")
	c.HandleUpdate(crdt.UpdateEvent{Origin: doc.LocalOrigin()})

	assert.True(t, c.Dirty())
	got, armed := c.NextSaveTime()
	assert.True(t, armed)
	assert.Equal(t, next.UnixMilli(), got.UnixMilli())
}

func TestCoordinator_FirstSchedulePublishesSharedDeadline(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	addNode(t, doc, "n1")
	c.HandleUpdate(crdt.UpdateEvent{Origin: doc.LocalOrigin()})

	assert.True(t, c.Dirty())

	// the deadline is the full throttle out, not now
	got, armed := c.NextSaveTime()
	assert.True(t, armed)
	assert.InDelta(t, saveThrottle.Seconds(), time.Until(got).Seconds(), 5)

	// and it is published to the shared meta for every replica to see
	shared, ok := NewLease(doc).NextSaveAt()
	assert.True(t, ok)
	assert.Equal(t, got.UnixMilli(), shared.UnixMilli())

	// the first local change must not post immediately
	assert.Never(t, func() bool {
		return poster.count() > 0
	}, 300*time.Millisecond, 50*time.Millisecond)
}

func TestCoordinator_CleanReplicaTakesOverSchedule(t *testing.T) {
	writer := crdt.NewDoc()
	var change []byte
	unsub := writer.Subscribe(func(ev crdt.UpdateEvent) { change = ev.Bytes })
	addNode(t, writer, "n1")
	unsub()

	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	// content arrives from a peer; this replica makes no edits of its own
	assert.NoError(t, doc.ApplyRemote(change))
	assert.False(t, c.Dirty())

	// the scheduling peer published a deadline and then died before firing
	soon := time.Now().Add(50 * time.Millisecond)
	assert.NoError(t, doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		return tx.SetMeta(metaNextSaveAt, float64(soon.UnixMilli()))
	}))
	c.HandleUpdate(crdt.UpdateEvent{Origin: crdt.OriginSaveMeta})

	_, armed := c.NextSaveTime()
	assert.True(t, armed)

	// this replica fires at the shared deadline and saves the content
	assert.Eventually(t, func() bool {
		return poster.count() == 1
	}, 5*time.Second, 20*time.Millisecond)

	replica := crdt.NewDoc()
	assert.NoError(t, replica.ApplyRemote(poster.payloads[0]))
	assert.Len(t, replica.Nodes(), 1)
}

func TestCoordinator_TakeoverIsNoopWhenAlreadySaved(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	addNode(t, doc, "n1")
	assert.NoError(t, c.ForceSave(context.Background()))
	assert.Equal(t, 1, poster.count())

	// a shared deadline arrives for content this replica already acked
	soon := time.Now().Add(30 * time.Millisecond)
	assert.NoError(t, doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		return tx.SetMeta(metaNextSaveAt, float64(soon.UnixMilli()))
	}))
	c.HandleUpdate(crdt.UpdateEvent{Origin: crdt.OriginSaveMeta})

	// the timer fires, finds nothing past the baseline and stays out of
	// the lease
	assert.Never(t, func() bool {
		return poster.count() > 1 || c.IsSaving()
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestCoordinator_LostClaimBacksOff(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	// another peer holds a fresh lease
	assert.NoError(t, doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		if err := tx.SetMeta(metaSaving, true); err != nil {
			return err
		}
		if err := tx.SetMeta(metaSaverID, "other-peer"); err != nil {
			return err
		}
		return tx.SetMeta(metaSavingSince, float64(time.Now().UnixMilli()))
	}))

	addNode(t, doc, "n1")
	c.HandleUpdate(crdt.UpdateEvent{Origin: doc.LocalOrigin()})

	assert.NoError(t, c.ForceSave(context.Background()))
	assert.Equal(t, 0, poster.count())
	assert.True(t, c.IsSaving()) // still held by the other peer
}

func TestCoordinator_StaleLeaseIsRecovered(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	// a peer died mid-save long ago
	stale := time.Now().Add(-2 * staleLease)
	assert.NoError(t, doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		if err := tx.SetMeta(metaSaving, true); err != nil {
			return err
		}
		if err := tx.SetMeta(metaSaverID, "dead-peer"); err != nil {
			return err
		}
		return tx.SetMeta(metaSavingSince, float64(stale.UnixMilli()))
	}))

	c.SyncFromMeta(time.Now())
	assert.False(t, c.IsSaving())

	// and the stale lease does not block a new save
	addNode(t, doc, "n1")
	assert.NoError(t, c.ForceSave(context.Background()))
	assert.Equal(t, 1, poster.count())
	assert.False(t, c.IsSaving())
}

func TestCoordinator_InterruptIsLocalOnly(t *testing.T) {
	doc := crdt.NewDoc()
	poster := &countingPoster{}
	c := NewCoordinator(doc, poster.post, nil)
	defer c.Close()

	// a peer published the shared schedule
	next := time.Now().Add(saveThrottle)
	assert.NoError(t, doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		return tx.SetMeta(metaNextSaveAt, float64(next.UnixMilli()))
	}))

	addNode(t, doc, "n1")
	c.HandleUpdate(crdt.UpdateEvent{Origin: doc.LocalOrigin()})
	c.Interrupt()

	assert.False(t, c.Dirty())

	// the shared schedule survives the local interrupt
	got, ok := c.NextSaveTime()
	assert.True(t, ok)
	assert.Equal(t, next.UnixMilli(), got.UnixMilli())
}

func TestLease_ClaimAndRelease(t *testing.T) {
	doc := crdt.NewDoc()
	l := NewLease(doc)

	won, err := l.Claim(time.Now())
	assert.NoError(t, err)
	assert.True(t, won)
	assert.True(t, l.Held())

	next := time.Now().Add(saveThrottle)
	assert.NoError(t, l.Release(next))
	assert.False(t, l.Held())

	got, ok := l.NextSaveAt()
	assert.True(t, ok)
	assert.Equal(t, next.UnixMilli(), got.UnixMilli())
}

func TestLease_ClaimConsumesSchedule(t *testing.T) {
	doc := crdt.NewDoc()
	l := NewLease(doc)

	assert.NoError(t, l.PublishNextSaveAt(time.Now().Add(saveThrottle)))
	_, ok := l.NextSaveAt()
	assert.True(t, ok)

	won, err := l.Claim(time.Now())
	assert.NoError(t, err)
	assert.True(t, won)

	// the deadline was consumed by the claim; peers must not treat it as
	// still pending
	_, ok = l.NextSaveAt()
	assert.False(t, ok)
}

func TestLease_ReleaseClearsSaverIdentity(t *testing.T) {
	doc := crdt.NewDoc()
	l := NewLease(doc)

	won, err := l.Claim(time.Now())
	assert.NoError(t, err)
	assert.True(t, won)

	holder, ok := doc.MetaString(metaSaverID)
	assert.True(t, ok)
	assert.Equal(t, l.ID(), holder)

	assert.NoError(t, l.Release(time.Now().Add(saveThrottle)))

	_, ok = doc.MetaString(metaSaverID)
	assert.False(t, ok)
	assert.False(t, l.Held())
}

func TestLease_FreshHolderBlocksClaim(t *testing.T) {
	doc := crdt.NewDoc()
	a := NewLease(doc)
	b := NewLease(doc)

	won, err := a.Claim(time.Now())
	assert.NoError(t, err)
	assert.True(t, won)

	won, err = b.Claim(time.Now())
	assert.NoError(t, err)
	assert.False(t, won)
}
