package core

import (
	"crypto/sha256"
	"encoding/binary"

	"MarginLedger/internal/event"
	"MarginLedger/internal/ledger"
	fpmath "MarginLedger/internal/math"
)

const GenesisHashSeed = "MarginLedger:genesis:v1"

// Section tags of a state digest. Each section appears at most once per
// command except closes, which repeat per position.
const (
	digestAccount byte = 'A'
	digestOpened  byte = 'O'
	digestClosed  byte = 'C'
	digestTrader  byte = 'T'
	digestPool    byte = 'P'
	digestMarket  byte = 'M'
)

// StateHasher chains a SHA-256 over every applied command:
//
//	hash[N] = SHA-256(hash[N-1] || sequence (8 bytes BE) || command type || digest[N])
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(GenesisHashSeed)),
	}
}

// Advance hashes the digest of one applied command onto the chain and
// returns the new tip.
func (h *StateHasher) Advance(sequence int64, eventType event.EventType, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])
	hasher.Write(binary.BigEndian.AppendUint64(nil, uint64(sequence)))
	hasher.Write([]byte(eventType.String()))
	hasher.Write(digest)

	copy(h.prevHash[:], hasher.Sum(nil))
	return h.prevHash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resets the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// stateDigest is the canonical encoding of what one command changed: the
// journaled balance of every touched account, the positions it opened or
// closed with their settlement, the safety state it moved, and the market
// data it updated.
type stateDigest []byte

func (d stateDigest) account(key ledger.AccountKey, balance fpmath.Fixed) stateDigest {
	path := key.AccountPath()
	d = append(d, digestAccount, byte(len(path)))
	d = append(d, path...)
	return appendFixedBytes(d, balance)
}

func (d stateDigest) opened(r *Result) stateDigest {
	if r.Opened == nil {
		return d
	}
	return append(append(d, digestOpened), r.Opened.CanonicalBytes()...)
}

func (d stateDigest) closed(r *Result) stateDigest {
	for i := range r.Closed {
		c := &r.Closed[i]
		d = append(append(d, digestClosed), c.Position.CanonicalBytes()...)
		d = appendFixedBytes(d, c.Settled)
	}
	return d
}

func (d stateDigest) safety(r *Result) stateDigest {
	s := r.Safety
	if s == nil {
		return d
	}
	switch {
	case s.Trader != nil:
		d = append(append(d, digestTrader), s.Trader[:]...)
	case s.Pool != nil:
		d = binary.BigEndian.AppendUint32(append(d, digestPool), uint32(*s.Pool))
	}
	return append(d, byte(s.State))
}

func (d stateDigest) market(update []byte) stateDigest {
	if len(update) == 0 {
		return d
	}
	return append(append(d, digestMarket), update...)
}

// appendFixedBytes writes a length-prefixed decimal string.
func appendFixedBytes(d stateDigest, v fpmath.Fixed) stateDigest {
	s := v.String()
	d = append(d, byte(len(s)))
	return append(d, s...)
}

// computeStateDigest builds the digest of an applied command. Accounts are
// read back from the journal books after the batch, in path order.
func (p *Processor) computeStateDigest(batch *ledger.Batch, result *Result, marketUpdate []byte) []byte {
	d := make(stateDigest, 0, 256)
	for _, key := range touchedAccounts(batch) {
		d = d.account(key, p.tracker.GetBalance(key))
	}
	d = d.opened(result).closed(result).safety(result).market(marketUpdate)
	return d
}
