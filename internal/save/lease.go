package save

import (
	"time"

	"github.com/google/uuid"

	"github.com/emrgen/board/internal/crdt"
)

// The save lease lives inside the replicated document itself, so every
// peer sees the same leader election through ordinary merges. No
// separate coordination channel exists.
const (
	metaSaving      = "saving"
	metaSaverID     = "saverId"
	metaNextSaveAt  = "nextSaveAt"
	metaSavingSince = "savingSince"
)

// staleLease is how long a held lease may sit before any peer may
// force-clear it. Saves finish in seconds; a lease this old belongs to
// a peer that died mid-save.
const staleLease = 2 * time.Minute

// Lease is one session's view of the shared save lease.
type Lease struct {
	doc *crdt.Doc
	id  string
}

func NewLease(doc *crdt.Doc) *Lease {
	return &Lease{
		doc: doc,
		id:  uuid.New().String(),
	}
}

// ID is this session's saver identity.
func (l *Lease) ID() string { return l.id }

// Claim attempts to take the lease, consuming the shared schedule so
// peers stop treating the old deadline as pending. After writing the
// claim it rereads the holder: if a concurrent claim merged over ours,
// the other peer won and we back off.
func (l *Lease) Claim(now time.Time) (bool, error) {
	if holder, saving := l.Holder(); saving && holder != l.id {
		if !l.isStaleAt(now) {
			return false, nil
		}
	}

	err := l.doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		if err := tx.SetMeta(metaSaving, true); err != nil {
			return err
		}
		if err := tx.SetMeta(metaSaverID, l.id); err != nil {
			return err
		}
		if err := tx.DeleteMeta(metaNextSaveAt); err != nil {
			return err
		}
		return tx.SetMeta(metaSavingSince, float64(now.UnixMilli()))
	})
	if err != nil {
		return false, err
	}

	// a concurrent claim may have merged over ours while the
	// transaction committed; whoever the merged state names holds it
	holder, _ := l.doc.MetaString(metaSaverID)
	return holder == l.id, nil
}

// Release drops the lease, clears the saver identity, and publishes
// when the next save is due.
func (l *Lease) Release(nextSaveAt time.Time) error {
	return l.doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		if err := tx.SetMeta(metaSaving, false); err != nil {
			return err
		}
		if err := tx.DeleteMeta(metaSaverID); err != nil {
			return err
		}
		if err := tx.DeleteMeta(metaSavingSince); err != nil {
			return err
		}
		return tx.SetMeta(metaNextSaveAt, float64(nextSaveAt.UnixMilli()))
	})
}

// PublishNextSaveAt announces a save deadline to every replica without
// touching the lease itself. The scheduler calls it when arming the
// first timer, so a replica can take the save over if the scheduler
// dies before the deadline.
func (l *Lease) PublishNextSaveAt(at time.Time) error {
	return l.doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		return tx.SetMeta(metaNextSaveAt, float64(at.UnixMilli()))
	})
}

// ForceClear clears a lease held by someone else. Used for stall
// recovery only.
func (l *Lease) ForceClear() error {
	return l.doc.Transact(crdt.OriginSaveMeta, func(tx *crdt.Tx) error {
		if err := tx.SetMeta(metaSaving, false); err != nil {
			return err
		}
		return tx.DeleteMeta(metaSavingSince)
	})
}

// Holder reports who holds the lease, if anyone.
func (l *Lease) Holder() (string, bool) {
	if !l.doc.MetaBool(metaSaving) {
		return "", false
	}
	holder, _ := l.doc.MetaString(metaSaverID)
	return holder, true
}

// Held reports whether this session holds the lease.
func (l *Lease) Held() bool {
	holder, saving := l.Holder()
	return saving && holder == l.id
}

// NextSaveAt reads the shared save schedule.
func (l *Lease) NextSaveAt() (time.Time, bool) {
	ms, ok := l.doc.MetaFloat(metaNextSaveAt)
	if !ok || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

// IsStale reports whether a held lease has been held past the stall
// window.
func (l *Lease) IsStale(now time.Time) bool {
	if _, saving := l.Holder(); !saving {
		return false
	}
	return l.isStaleAt(now)
}

func (l *Lease) isStaleAt(now time.Time) bool {
	since, ok := l.doc.MetaFloat(metaSavingSince)
	if !ok || since <= 0 {
		// a held lease with no start time cannot be aged; treat it as
		// stale so one peer can repair it
		return true
	}
	return now.Sub(time.UnixMilli(int64(since))) > staleLease
}
