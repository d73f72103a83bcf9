// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

package netlayer

import "encoding/binary"

// fingerprintLen matches the (src, seq, ivIndex) tuple packed into 9
// bytes: entries are content-independent and never invalidated except
// by an IV-Index change. This stands in for "obfuscated header + first
// bytes" since src/seq/ivIndex already uniquely identify a physical
// transmission.
const fingerprintLen = 9

type cacheFingerprint [fingerprintLen]byte

func fingerprint(src uint16, seq, ivIndex uint32) cacheFingerprint {
	var fp cacheFingerprint
	binary.BigEndian.PutUint16(fp[0:2], src)
	fp[2] = byte(seq >> 16)
	fp[3] = byte(seq >> 8)
	fp[4] = byte(seq)
	binary.BigEndian.PutUint32(fp[5:9], ivIndex)
	return fp
}

// netCache is the two-level network message cache: a small L1 and a
// larger L2, both insertion-ordered FIFO. A lookup checks both levels; an
// insert always lands in L1, and L1's oldest entry demotes into L2 on
// overflow so recently-relayed loops stay suppressed even after the L1
// window rolls over.
type netCache struct {
	l1Cap, l2Cap int
	l1, l2       []cacheFingerprint
}

func newNetCache(l1Cap, l2Cap int) *netCache {
	return &netCache{l1Cap: l1Cap, l2Cap: l2Cap}
}

// Contains reports whether fp was seen recently, in either level.
func (c *netCache) Contains(fp cacheFingerprint) bool {
	for _, e := range c.l1 {
		if e == fp {
			return true
		}
	}
	for _, e := range c.l2 {
		if e == fp {
			return true
		}
	}
	return false
}

// Insert records fp, demoting L1's oldest entry into L2 on overflow, and
// evicting L2's oldest entry once L2 itself is full.
func (c *netCache) Insert(fp cacheFingerprint) {
	if c.Contains(fp) {
		return
	}
	if c.l1Cap == 0 {
		return
	}
	c.l1 = append(c.l1, fp)
	if len(c.l1) <= c.l1Cap {
		return
	}
	demoted := c.l1[0]
	c.l1 = c.l1[1:]
	if c.l2Cap == 0 {
		return
	}
	c.l2 = append(c.l2, demoted)
	if len(c.l2) > c.l2Cap {
		c.l2 = c.l2[1:]
	}
}

// Clear empties both levels, called on an IV-Index change.
func (c *netCache) Clear() {
	c.l1 = nil
	c.l2 = nil
}
