// Package hydrate bootstraps a session's document from the server,
// cheapest source first: a diff against the last known state vector,
// then a full snapshot, then the conclusion that the board is empty.
package hydrate

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/emrgen/board/internal/cache"
	"github.com/emrgen/board/internal/crdt"
	"github.com/emrgen/board/internal/transport"
)

// TokenSource supplies a valid board token on demand.
type TokenSource interface {
	CurrentToken(ctx context.Context) (*transport.Token, error)
}

// Result describes what hydration concluded about the board.
type Result struct {
	// Loaded means server content was applied to the document.
	Loaded bool
	// SeedCandidate means every source came back empty. The caller may
	// seed initial content, but only after realtime sync confirms no
	// peer holds content the store missed.
	SeedCandidate bool
	// AuthRequired means the server rejected our credentials. The
	// document must stay untouched so a later retry starts clean.
	AuthRequired bool
	// Warning carries a non-fatal oddity worth surfacing, like a
	// snapshot that decoded to an empty board.
	Warning string
}

type Hydrator struct {
	client  *transport.Client
	tokens  TokenSource
	vectors *cache.VectorCache
}

func NewHydrator(client *transport.Client, tokens TokenSource, vectors *cache.VectorCache) *Hydrator {
	return &Hydrator{
		client:  client,
		tokens:  tokens,
		vectors: vectors,
	}
}

// Hydrate fills doc with the board's current server state.
func (h *Hydrator) Hydrate(ctx context.Context, boardID string, doc *crdt.Doc) (*Result, error) {
	token, err := h.tokens.CurrentToken(ctx)
	if err != nil {
		if errors.Is(err, transport.ErrAuthRequired) {
			return &Result{AuthRequired: true}, nil
		}
		return nil, err
	}

	if vector := h.vector(boardID); vector != "" {
		res, done, err := h.hydrateFromVector(ctx, boardID, token.Value, vector, doc)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
		// the vector led nowhere; forget it and take the full path
		h.invalidate(boardID)
	}

	return h.hydrateFull(ctx, boardID, token.Value, doc)
}

// hydrateFromVector tries the diff path. done=false means the caller
// should fall back to a full fetch.
func (h *Hydrator) hydrateFromVector(ctx context.Context, boardID, token, vector string, doc *crdt.Doc) (*Result, bool, error) {
	state, err := h.client.FetchState(ctx, boardID, token, vector)
	if err != nil {
		if errors.Is(err, transport.ErrAuthRequired) {
			return &Result{AuthRequired: true}, true, nil
		}
		return nil, false, err
	}

	switch {
	case state.NoContent:
		// "nothing new" against an empty local document means the
		// cached vector is stale, not that the board is empty
		if doc.IsEmpty() {
			return nil, false, nil
		}
		h.persistVector(boardID, doc)
		return &Result{Loaded: true}, true, nil
	case state.Diff != nil:
		if err := doc.ApplyRemote(state.Diff); err != nil {
			logrus.Warnf("state diff did not apply, falling back to snapshot: %v", err)
			return nil, false, nil
		}
		h.persistVector(boardID, doc)
		return &Result{Loaded: true}, true, nil
	default:
		// the server ignored the vector and answered in full
		return h.applyFull(boardID, state, doc)
	}
}

func (h *Hydrator) hydrateFull(ctx context.Context, boardID, token string, doc *crdt.Doc) (*Result, error) {
	state, err := h.client.FetchState(ctx, boardID, token, "")
	if err != nil {
		if errors.Is(err, transport.ErrAuthRequired) {
			return &Result{AuthRequired: true}, nil
		}
		return nil, err
	}

	res, _, err := h.applyFull(boardID, state, doc)
	return res, err
}

// applyFull loads a snapshot or update-list response into doc.
func (h *Hydrator) applyFull(boardID string, state *transport.StateResponse, doc *crdt.Doc) (*Result, bool, error) {
	res := &Result{}

	switch {
	case state.NoContent:
		// a full fetch with no content means the board truly has none
	case state.Snapshot != nil:
		if err := doc.ApplyRemote(state.Snapshot); err != nil {
			return nil, true, err
		}
		res.Loaded = true
		if doc.IsEmpty() && len(state.Snapshot) > minSuspiciousSnapshot {
			res.Warning = "snapshot decoded to an empty board"
		}
	case len(state.Updates) > 0:
		applied := 0
		for _, u := range state.Updates {
			if err := doc.ApplyRemote(u); err != nil {
				logrus.Warnf("skipping corrupt update fragment: %v", err)
				continue
			}
			applied++
		}
		if applied > 0 {
			res.Loaded = true
		}
		if applied < len(state.Updates) {
			res.Warning = "some update fragments were corrupt and skipped"
		}
	}

	// no nodes and no edges after a full fetch makes the board a seed
	// candidate even when meta keys came through
	if doc.IsEmpty() {
		res.SeedCandidate = true
	}
	if res.Loaded {
		h.persistVector(boardID, doc)
	}

	return res, true, nil
}

// minSuspiciousSnapshot is roughly the size of an empty document save.
// Anything well above it that still decodes to no nodes deserves a
// warning.
const minSuspiciousSnapshot = 256

func (h *Hydrator) vector(boardID string) string {
	if h.vectors == nil {
		return ""
	}
	return h.vectors.Get(boardID)
}

func (h *Hydrator) invalidate(boardID string) {
	if h.vectors == nil {
		return
	}
	if err := h.vectors.Invalidate(boardID); err != nil {
		logrus.Debugf("failed to drop cached state vector: %v", err)
	}
}

// persistVector records the document heads after a successful load so
// the next hydration can ask for a diff.
func (h *Hydrator) persistVector(boardID string, doc *crdt.Doc) {
	if h.vectors == nil {
		return
	}
	if err := h.vectors.Put(boardID, doc.StateVector().Encode()); err != nil {
		logrus.Debugf("failed to persist state vector: %v", err)
	}
}
