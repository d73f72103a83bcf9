// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package replay implements the Replay Protection List and the
// segmentation-and-reassembly RX transaction history. Both caches are
// queried before a PDU is handed up the stack. Storage is a
// fixed-capacity slice scanned linearly rather than a map-based LRU: the
// RPL must never silently evict an entry via an LRU policy, since that
// would reopen a replay window, so using the same concrete shape for
// both caches keeps that invariant auditable by inspection, and makes
// the History's deliberately-different FIFO eviction policy visibly
// distinct in code.
package replay

// SeqAuth is the (IV-Index, SEQ) tuple used to order and deduplicate
// transport messages.
type SeqAuth struct {
	IVIndex uint32
	Seq     uint32
}

// Less reports whether a strictly precedes b.
func (a SeqAuth) Less(b SeqAuth) bool {
	if a.IVIndex != b.IVIndex {
		return a.IVIndex < b.IVIndex
	}
	return a.Seq < b.Seq
}

type rplEntry struct {
	src     uint16
	ivLSB   uint8
	highest SeqAuth
}

// RPL is the Replay Protection List.
type RPL struct {
	capacity int
	entries  []rplEntry
}

// NewRPL creates an RPL bounded by capacity.
func NewRPL(capacity int) *RPL {
	return &RPL{capacity: capacity}
}

// Verdict is the result of CheckAndUpdate.
type Verdict int

const (
	Accept Verdict = iota
	Drop
)

// CheckAndUpdate accepts iff (ivIndex, seq) > the stored value for src,
// then atomically stores the new value; a src not yet present is added
// if capacity allows, else Drop.
func (r *RPL) CheckAndUpdate(src uint16, ivIndex, seq uint32) Verdict {
	sa := SeqAuth{IVIndex: ivIndex, Seq: seq}
	for i := range r.entries {
		if r.entries[i].src == src {
			if r.entries[i].highest.Less(sa) {
				r.entries[i].highest = sa
				r.entries[i].ivLSB = uint8(ivIndex & 1)
				return Accept
			}
			return Drop
		}
	}
	if len(r.entries) >= r.capacity {
		return Drop
	}
	r.entries = append(r.entries, rplEntry{src: src, ivLSB: uint8(ivIndex & 1), highest: sa})
	return Accept
}

// Clear empties the RPL entirely (node reset).
func (r *RPL) Clear() {
	r.entries = r.entries[:0]
}

// ClearStaleOnIVRollover removes every entry whose IV-LSB is two or more
// behind newIVIndex's LSB: an IV-Index roll-over clears all entries
// whose IV-LSB is two or more behind the new value.
//
// The LSB is a single bit, so "two or more behind" only has meaning once
// newIVIndex itself has advanced by two or more since the entry's IV
// phase; we approximate this with the common real-IV-Index (not just its
// LSB) recorded per entry, since a 1-bit LSB alone cannot express "behind
// by >=2".
func (r *RPL) ClearStaleOnIVRollover(newIVIndex uint32) {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if newIVIndex >= e.highest.IVIndex+2 {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
}

// Len reports the current number of tracked sources (test/debug use).
func (r *RPL) Len() int { return len(r.entries) }

// HistoryVerdict is the result of a SAR-RX History lookup.
type HistoryVerdict int

const (
	Unknown HistoryVerdict = iota
	CurrentCompleted
	CurrentAborted
	Outdated
)

type historyEntry struct {
	src     uint16
	ivLSB   uint8
	seqZero uint16
	segN    uint8
	obo     bool
	aborted bool
	seqAuth SeqAuth
}

// History is the SAR-RX History: a smaller bounded ring of
// completed/aborted segmented-transaction records, FIFO-evicted (unlike
// the RPL) when full.
type History struct {
	capacity int
	entries  []historyEntry
	next     int
}

// NewHistory creates a History bounded by capacity.
func NewHistory(capacity int) *History {
	return &History{capacity: capacity}
}

// Lookup finds a recorded transaction indexed by (src, IV-LSB, SeqZero).
func (h *History) Lookup(src uint16, ivLSB uint8, seqZero uint16) (HistoryVerdict, uint8, bool) {
	for _, e := range h.entries {
		if e.src == src && e.ivLSB == ivLSB && e.seqZero == seqZero {
			if e.aborted {
				return CurrentAborted, 0, false
			}
			return CurrentCompleted, e.segN, e.obo
		}
	}
	return Unknown, 0, false
}

// RecordCompleted stores a completed transaction and purges older
// entries for the same src whose SeqAuth predates this one: old entries
// for a src are purged whenever a newer SeqAuth from that src is
// observed.
func (h *History) RecordCompleted(src uint16, ivLSB uint8, seqZero uint16, segN uint8, obo bool, seqAuth SeqAuth) {
	h.purgeOlder(src, seqAuth)
	h.insert(historyEntry{src: src, ivLSB: ivLSB, seqZero: seqZero, segN: segN, obo: obo, seqAuth: seqAuth})
}

// RecordAborted stores an aborted-transaction marker so that stale
// segments of the same transaction are silently dropped rather than
// reallocating a slot.
func (h *History) RecordAborted(src uint16, ivLSB uint8, seqZero uint16, seqAuth SeqAuth) {
	h.purgeOlder(src, seqAuth)
	h.insert(historyEntry{src: src, ivLSB: ivLSB, seqZero: seqZero, aborted: true, seqAuth: seqAuth})
}

// IsOutdated reports whether a segment's SeqAuth is older than the most
// recent SeqAuth recorded for src, regardless of SeqZero: stale segments
// of an older SeqAuth from the same src are silently dropped.
func (h *History) IsOutdated(src uint16, seqAuth SeqAuth) bool {
	for _, e := range h.entries {
		if e.src == src && seqAuth.Less(e.seqAuth) {
			return true
		}
	}
	return false
}

func (h *History) purgeOlder(src uint16, seqAuth SeqAuth) {
	kept := h.entries[:0]
	for _, e := range h.entries {
		if e.src == src && e.seqAuth.Less(seqAuth) {
			continue
		}
		kept = append(kept, e)
	}
	h.entries = kept
}

// insert appends, evicting the oldest entry (bounded FIFO) once capacity
// is reached. Plain FIFO eviction is kept even though a pedantic reading
// might prefer IV-LSB-aware retention; see SPEC_FULL.md.
func (h *History) insert(e historyEntry) {
	if len(h.entries) < h.capacity {
		h.entries = append(h.entries, e)
		return
	}
	h.entries[h.next] = e
	h.next = (h.next + 1) % h.capacity
}
