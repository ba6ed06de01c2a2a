package crdt

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/automerge/automerge-go"
)

// StateVector summarizes what a replica has already seen: the document's
// current heads (change hashes), hex-encoded. It is a hydration and save
// optimization only, never authoritative.
type StateVector []string

// StateVector captures the document's current heads.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	out := make(StateVector, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	return out
}

// ChangesSince encodes every change the given vector has not seen. An error
// means the vector references changes this document does not know about;
// callers fall back to a full snapshot.
func (d *Doc) ChangesSince(v StateVector) ([]byte, error) {
	heads, err := v.heads()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to diff against state vector: %w", err)
	}
	var buf bytes.Buffer
	for _, c := range changes {
		buf.Write(c.Save())
	}
	return buf.Bytes(), nil
}

// Encode serializes the vector for transport (base64 over a JSON array).
func (v StateVector) Encode() string {
	if len(v) == 0 {
		return ""
	}
	raw, err := json.Marshal([]string(v))
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeStateVector parses a transport-encoded vector.
func DecodeStateVector(s string) (StateVector, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid state vector encoding: %w", err)
	}
	var hashes []string
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return nil, fmt.Errorf("invalid state vector payload: %w", err)
	}
	return StateVector(hashes), nil
}

func (v StateVector) heads() ([]automerge.ChangeHash, error) {
	heads := make([]automerge.ChangeHash, 0, len(v))
	for _, s := range v {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != len(automerge.ChangeHash{}) {
			return nil, fmt.Errorf("invalid change hash %q", s)
		}
		var h automerge.ChangeHash
		copy(h[:], raw)
		heads = append(heads, h)
	}
	return heads, nil
}
