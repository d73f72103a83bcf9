// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package netlayer implements the network layer: obfuscation/encryption
// of network PDUs, the relay decision, the two-level network message
// cache, and IV-update-aware multi-key decryption.
//
// The layer is driven entirely from the single core handler goroutine;
// it holds no locks and blocks on nothing.
package netlayer

import (
	"encoding/binary"

	"meshcore/bearer"
	"meshcore/events"
	"meshcore/meshcrypto"
	"meshcore/replay"
	"meshcore/store"
	"meshcore/wire/netpdu"
)

// MIC sizes selected by the network header's CTL bit.
const (
	micSizeAccess  = 4
	micSizeControl = 8
)

// NwkPduRxInfo is handed up to the lower transport layer for every
// network PDU accepted for local processing.
type NwkPduRxInfo struct {
	Src         uint16
	Dst         uint16
	CTL         bool
	TTL         uint8
	Seq         uint32
	IVIndex     uint32
	NetKeyIndex uint16
	Payload     []byte
	RSSI        int8
	IfaceID     int
}

// RxSink receives accepted network PDUs; the Lower Transport layer
// implements it and is wired in at construction.
type RxSink interface {
	HandleNetworkPDU(NwkPduRxInfo)
}

// NwkPduTxInfo describes one outbound network PDU.
type NwkPduTxInfo struct {
	Src           uint16
	Dst           uint16
	CTL           bool
	TTL           uint8
	NetKeyIndex   uint16
	FriendLpnAddr uint16 // store.AddrUnassigned selects master credentials
	IfaceID       int    // bearer.IfaceAll broadcasts
}

// Layer is the Network Layer.
type Layer struct {
	store  *store.Store
	rpl    *replay.RPL
	egress bearer.Egress
	events events.Sink
	rxSink RxSink
	cache  *netCache

	lpnAddrMatcher func(addr uint16) bool
}

// New constructs a Network Layer. rxSink may be nil during bring-up and
// set later via SetRxSink.
func New(st *store.Store, rpl *replay.RPL, egress bearer.Egress, sink events.Sink, nwkCacheL1, nwkCacheL2 int) *Layer {
	return &Layer{
		store:  st,
		rpl:    rpl,
		egress: egress,
		events: sink,
		cache:  newNetCache(nwkCacheL1, nwkCacheL2),
	}
}

// SetRxSink wires the Lower Transport layer after both are constructed
// (the two packages have no import-cycle-free way to reference each
// other's constructors directly).
func (l *Layer) SetRxSink(sink RxSink) { l.rxSink = sink }

// RegisterLPNAddrMatcher lets the Friend role tell the network layer how
// to recognize traffic destined for a befriended low power node, without
// an import cycle between netlayer and friend: when the Friend feature
// is active, local delivery also covers the address of a befriended
// LPN's elements.
func (l *Layer) RegisterLPNAddrMatcher(f func(addr uint16) bool) {
	l.lpnAddrMatcher = f
}

// subnetMaster derives the master K2 credentials for nk using the "old"
// key slot, or the "new" slot when useNew is set. During key refresh
// phase 2, TX uses the new key while RX still accepts both.
func subnetMaster(nk store.NetKeyEntry, useNew bool) (*meshcrypto.K2Material, error) {
	key := nk.Old[:]
	if useNew {
		key = nk.New[:]
	}
	return meshcrypto.K2(key, []byte{0x00})
}

// subnetFriendship derives the k2 friendship credentials for nk. Used
// in place of the master credentials whenever a PDU is addressed via a
// friendship (FriendLpnAddr set).
func subnetFriendship(nk store.NetKeyEntry, useNew bool) (*meshcrypto.K2Material, error) {
	key := nk.Old[:]
	if useNew {
		key = nk.New[:]
	}
	return meshcrypto.K2(key, []byte{0x01})
}

// Deliver implements bearer.Ingress: one raw PDU arrives from ifaceID.
func (l *Layer) Deliver(ifaceID int, pdu []byte, rssiDBM int8) {
	if len(pdu) < netpdu.HeaderLen+micSizeAccess {
		return
	}

	for _, nkIdx := range l.store.NetKeyIndexes() {
		nk, err := l.store.NetKey(nkIdx)
		if err != nil {
			continue
		}
		if info, ok := l.tryDecryptUnder(nk, nkIdx, pdu, ifaceID, rssiDBM); ok {
			l.handleAccepted(info)
			return
		}
	}
	// No candidate NetKey/IV combination decrypted successfully: silent
	// drop.
}

// tryDecryptUnder attempts every (key-slot, IV-Index) combination valid
// for nk, returning the first that authenticates.
func (l *Layer) tryDecryptUnder(nk store.NetKeyEntry, nkIdx uint16, pdu []byte, ifaceID int, rssi int8) (NwkPduRxInfo, bool) {
	ivCandidates := []uint32{l.store.IVIndex()}
	if l.store.IVUpdateInProgress() && l.store.IVIndex() > 0 {
		ivCandidates = append(ivCandidates, l.store.IVIndex()-1)
	}

	keySlots := []bool{false} // old
	if nk.HasNew {
		keySlots = append(keySlots, true) // new
	}

	for _, useNew := range keySlots {
		master, err := subnetMaster(nk, useNew)
		if err != nil {
			continue
		}
		for _, iv := range ivCandidates {
			if info, ok := tryDecryptOne(master, nkIdx, iv, pdu, ifaceID, rssi); ok {
				return info, true
			}
		}
	}
	return NwkPduRxInfo{}, false
}

func tryDecryptOne(cred *meshcrypto.K2Material, nkIdx uint16, ivIndex uint32, pdu []byte, ifaceID int, rssi int8) (NwkPduRxInfo, bool) {
	buf := append([]byte{}, pdu...)

	nidByte := buf[0] & 0x7F
	if nidByte != cred.NID {
		return NwkPduRxInfo{}, false
	}

	cipherTail := buf[netpdu.HeaderLen-2:] // encrypted DST || encrypted payload || NetMIC, starting at DST
	if len(cipherTail) < 7 {
		return NwkPduRxInfo{}, false
	}
	pecb, err := derivePECB(cred.PrivacyKey, ivIndex, cipherTail[:7])
	if err != nil {
		return NwkPduRxInfo{}, false
	}
	if err := netpdu.Deobfuscate(buf, pecb); err != nil {
		return NwkPduRxInfo{}, false
	}

	h, err := netpdu.DecodeHeader(buf)
	if err != nil {
		return NwkPduRxInfo{}, false
	}

	micSize := micSizeAccess
	if h.CTL {
		micSize = micSizeControl
	}
	ciphertext := buf[netpdu.HeaderLen-2:]
	if len(ciphertext) < micSize+2 {
		return NwkPduRxInfo{}, false
	}
	nonce := meshcrypto.BuildNonce(meshcrypto.NonceTypeNetwork, false, h.Seq, h.Src, 0, ivIndex)
	plain, err := meshcrypto.CCMDecrypt(cred.EncryptionKey, nonce, ciphertext, nil, micSize)
	if err != nil {
		return NwkPduRxInfo{}, false
	}
	if len(plain) < 2 {
		return NwkPduRxInfo{}, false
	}

	return NwkPduRxInfo{
		Src:         h.Src,
		Dst:         binary.BigEndian.Uint16(plain[0:2]),
		CTL:         h.CTL,
		TTL:         h.TTL,
		Seq:         h.Seq,
		IVIndex:     ivIndex,
		NetKeyIndex: nkIdx,
		Payload:     plain[2:],
		RSSI:        rssi,
		IfaceID:     ifaceID,
	}, true
}

// handleAccepted runs the remainder of the RX pipeline once a PDU has
// authenticated: cache dedup, local delivery, and relay.
func (l *Layer) handleAccepted(info NwkPduRxInfo) {
	fp := fingerprint(info.Src, info.Seq, info.IVIndex)
	if l.cache.Contains(fp) {
		return
	}
	l.cache.Insert(fp)

	deliverLocal := l.store.OwnsElement(info.Dst) ||
		(store.IsGroupOrVirtual(info.Dst) && l.subscribedAnywhere(info.Dst)) ||
		(l.store.Friend() == store.FeatureEnabled && l.isBefriendedLPNAddr(info.Dst))

	if deliverLocal && l.rxSink != nil {
		l.rxSink.HandleNetworkPDU(info)
	}

	l.maybeRelay(info)
}

// subscribedAnywhere reports whether any of this node's elements
// subscribes to addr.
func (l *Layer) subscribedAnywhere(addr uint16) bool {
	for i := 0; i < l.store.ElementCount(); i++ {
		el := l.store.Element(l.store.PrimaryAddr() + uint16(i))
		if el == nil {
			continue
		}
		for _, m := range el.Models {
			if m.Subscriptions != nil && m.Subscriptions.IsSubscribed(addr) {
				return true
			}
		}
	}
	return false
}

func (l *Layer) isBefriendedLPNAddr(addr uint16) bool {
	if l.lpnAddrMatcher == nil {
		return false
	}
	return l.lpnAddrMatcher(addr)
}

// maybeRelay relays a received PDU when relay is enabled and TTL >= 2,
// decrementing TTL and retransmitting. It is never reached for locally
// originated traffic (Deliver only sees bearer ingress). TTL 0 or 1 is
// never relayed.
func (l *Layer) maybeRelay(info NwkPduRxInfo) {
	if l.store.Relay() != store.FeatureEnabled {
		return
	}
	if info.TTL < 2 {
		return
	}
	out := NwkPduTxInfo{
		Src:         info.Src,
		Dst:         info.Dst,
		CTL:         info.CTL,
		TTL:         info.TTL - 1,
		NetKeyIndex: info.NetKeyIndex,
		IfaceID:     bearer.IfaceAll,
	}
	// Relayed PDUs reuse the already-encrypted network PDU's SEQ (it is
	// not re-sourced by this node), so they are re-encrypted with the
	// original SEQ rather than drawing a fresh one from the local
	// sequence-number pool; encodeAndSend is parameterized to allow this.
	_ = l.encodeAndSend(out, info.Seq, info.Payload)
}

// Send runs the TX pipeline for locally-originated traffic: allocates a
// fresh SEQ from the source element, then packs, encrypts, obfuscates,
// caches and transmits. The allocated SEQ is returned so the lower
// transport layer can derive a segmented transaction's SeqZero from its
// first segment.
func (l *Layer) Send(info NwkPduTxInfo, payload []byte) (uint32, error) {
	seq, err := l.store.NextSeq(info.Src)
	if err != nil {
		if l.events != nil && err == store.ErrSeqExhausted {
			l.events.Notify(events.SeqExhausted{ElementAddr: info.Src})
		}
		return 0, err
	}
	return seq, l.encodeAndSend(info, seq, payload)
}

// SendWithSeq encodes and transmits payload using a caller-supplied SEQ
// instead of drawing a fresh one from the source element's counter. The
// lower transport layer uses this for segmented TX, where every
// segment draws a fresh SEQ of its own: every segment's SEQ must be
// known up front so the segment header's SeqZero field (the first
// segment's SEQ, low 13 bits) can be encoded correctly before any
// segment is put on the wire.
func (l *Layer) SendWithSeq(info NwkPduTxInfo, seq uint32, payload []byte) error {
	return l.encodeAndSend(info, seq, payload)
}

func (l *Layer) encodeAndSend(info NwkPduTxInfo, seq uint32, payload []byte) error {
	nk, err := l.store.NetKey(info.NetKeyIndex)
	if err != nil {
		return err
	}

	useNew := nk.Phase == store.PhasePhase2 || nk.Phase == store.PhasePhase3
	var cred *meshcrypto.K2Material
	if info.FriendLpnAddr != store.AddrUnassigned {
		cred, err = subnetFriendship(nk, useNew)
	} else {
		cred, err = subnetMaster(nk, useNew)
	}
	if err != nil {
		return err
	}

	micSize := micSizeAccess
	if info.CTL {
		micSize = micSizeControl
	}

	ivIndex := l.store.IVIndex()
	nonce := meshcrypto.BuildNonce(meshcrypto.NonceTypeNetwork, false, seq, info.Src, 0, ivIndex)
	dstAndPayload := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(dstAndPayload[0:2], info.Dst)
	copy(dstAndPayload[2:], payload)

	ciphertext, err := meshcrypto.CCMEncrypt(cred.EncryptionKey, nonce, dstAndPayload, nil, micSize)
	if err != nil {
		return err
	}

	header, err := netpdu.EncodeHeader(netpdu.Header{
		IVI: ivIndex&1 != 0,
		NID: cred.NID,
		CTL: info.CTL,
		TTL: info.TTL,
		Seq: seq,
		Src: info.Src,
		Dst: info.Dst, // overwritten below with its encrypted form
	})
	if err != nil {
		return err
	}

	pdu := make([]byte, netpdu.HeaderLen-2, netpdu.HeaderLen-2+len(ciphertext))
	copy(pdu, header[:netpdu.HeaderLen-2])
	pdu = append(pdu, ciphertext...)

	privacyRandom := ciphertext
	if len(privacyRandom) < 7 {
		padded := make([]byte, 7)
		copy(padded, privacyRandom)
		privacyRandom = padded
	} else {
		privacyRandom = privacyRandom[:7]
	}
	pecb, err := derivePECB(cred.PrivacyKey, ivIndex, privacyRandom)
	if err != nil {
		return err
	}
	if err := netpdu.Obfuscate(pdu, pecb); err != nil {
		return err
	}

	l.cache.Insert(fingerprint(info.Src, seq, ivIndex))

	priority := bearer.PriorityNormal
	hint := bearer.CredentialsMaster
	if info.FriendLpnAddr != store.AddrUnassigned {
		hint = bearer.CredentialsFriendship
	}
	if err := l.egress.Send(info.IfaceID, pdu, priority, hint); err != nil {
		if l.events != nil {
			l.events.Notify(events.SendFailed{Seq: seq, Err: err})
		}
		return err
	}
	return nil
}

// derivePECB computes PECB = E(PrivacyKey, 0x0000000000 || IVIndex ||
// PrivacyRandom).
func derivePECB(privacyKey []byte, ivIndex uint32, privacyRandom []byte) ([]byte, error) {
	plaintext := make([]byte, 16)
	binary.BigEndian.PutUint32(plaintext[5:9], ivIndex)
	copy(plaintext[9:16], privacyRandom)
	return meshcrypto.ECBEncryptBlock(privacyKey, plaintext)
}
