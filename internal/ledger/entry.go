package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the well-known hash of the genesis entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// SystemActor marks entries written by the service itself rather than an owner.
const SystemActor = "hostdomains"

// Entry is a single audit record. Index orders the global chain; Seq counts
// the entries of one domain from 1.
type Entry struct {
	Index     int       `json:"index"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	DomainID  string    `json:"domain_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`     // owner account id or SystemActor
	DataHash  string    `json:"data_hash"` // SHA-256 of the payload
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func genesis() *Entry {
	return &Entry{
		Timestamp: stamp(),
		Action:    "genesis",
		Actor:     SystemActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// newEntry chains a new entry onto tail.
func newEntry(tail *Entry, seq int, domainID, action, actor string, payload []byte) *Entry {
	sum := sha256.Sum256(payload)
	e := &Entry{
		Index:     tail.Index + 1,
		Seq:       seq,
		Timestamp: stamp(),
		DomainID:  domainID,
		Action:    action,
		Actor:     actor,
		DataHash:  hex.EncodeToString(sum[:]),
		PrevHash:  tail.Hash,
	}
	e.Hash = e.digest()
	return e
}

// stamp returns the current time at the precision PostgreSQL stores, so a
// hash computed before insert still matches after a round trip.
func stamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (e *Entry) digest() string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Seq, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.DomainID, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// walker checks a chain entry by entry from genesis: hashes link, and each
// domain's Seq has no gaps or repeats.
type walker struct {
	prev *Entry
	seqs map[string]int
}

func newWalker() *walker { return &walker{seqs: make(map[string]int)} }

func (w *walker) next(e *Entry) error {
	defer func() { w.prev = e }()
	if w.prev == nil {
		if e.Index != 0 || e.Hash != GenesisHash {
			return fmt.Errorf("chain does not start at genesis (index %d)", e.Index)
		}
		return nil
	}
	if e.Index != w.prev.Index+1 || e.PrevHash != w.prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", e.Index)
	}
	if e.Hash != e.digest() {
		return fmt.Errorf("entry %d has invalid hash", e.Index)
	}
	if want := w.seqs[e.DomainID] + 1; e.Seq != want {
		return fmt.Errorf("entry %d: domain %s seq %d, want %d", e.Index, e.DomainID, e.Seq, want)
	}
	w.seqs[e.DomainID] = e.Seq
	return nil
}
