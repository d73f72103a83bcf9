// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package lowertransport implements segmentation-and-reassembly (SAR):
// TX segmentation with a retransmission schedule, RX reassembly with
// block-ack timing and incomplete-timeout cancellation, Segment-ACK
// handling in both directions, and the friendship handoff that rebuilds
// a reassembled PDU's original segments for a befriended LPN's Friend
// Queue.
package lowertransport

import (
	"time"

	"meshcore/events"
	"meshcore/netlayer"
	"meshcore/replay"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/wire/friendpdu"
	"meshcore/wire/segpdu"
)

// AccessRxInfo is a fully framed Upper Transport Access PDU, either
// delivered unsegmented or reassembled from segments.
type AccessRxInfo struct {
	Src, Dst    uint16
	TTL         uint8
	IVIndex     uint32
	Seq         uint32 // SeqAuth basis: first-segment SEQ for segmented PDUs
	NetKeyIndex uint16
	AKF         bool
	AID         uint8
	SZMIC       bool
	Payload     []byte
	IfaceID     int
	// Segments is non-nil only when the PDU was reassembled; it preserves
	// the original per-segment SEQ and raw wire bytes so the Friend role
	// can rebuild the exact fragments it forwards to a sleeping LPN.
	Segments []SegmentRecord
}

// SegmentRecord preserves one original segment's SegO/SEQ and raw bytes
// so the Friend role can rebuild the exact wire fragments it forwards to
// a sleeping LPN.
type SegmentRecord struct {
	SegO uint8
	Seq  uint32
	Raw  []byte
}

// AccessSink receives AccessRxInfo; the Upper Transport layer (C5)
// implements it.
type AccessSink interface {
	HandleAccessPDU(AccessRxInfo)
}

// ControlRxInfo is a fully framed Lower Transport control PDU other than
// Segment-ACK (friendship messages, heartbeats).
type ControlRxInfo struct {
	Src, Dst    uint16
	TTL         uint8
	NetKeyIndex uint16
	Opcode      uint8
	Payload     []byte
	IfaceID     int
	// RSSI is the bearer-reported signal strength of the PDU that carried
	// this control message, preserved from netlayer.NwkPduRxInfo for the
	// Friend role's offer-delay computation.
	RSSI int8
}

// ControlSink receives ControlRxInfo; the Friend/LPN roles and the
// heartbeat subscriber implement it.
type ControlSink interface {
	HandleControlPDU(ControlRxInfo)
}

// FriendQueueRouter tells the Layer which unicast/group/virtual
// destinations currently resolve to a befriended LPN, so completed
// reassemblies can be handed off with their original segmentation
// intact. Wired in by the Friend role at node construction; nil means no
// friendships are active.
type FriendQueueRouter interface {
	// HasLPNDestination reports whether dst names at least one currently
	// befriended LPN (directly, or via group/virtual subscription).
	HasLPNDestination(dst uint16) bool
}

// FriendQueueSink receives one lower-transport PDU's worth of bytes to
// enqueue into a befriended LPN's Friend Queue. For a reassembled
// transaction this is called once per original segment, using that
// segment's own SEQ and raw wire bytes — the Friend Queue never stores a
// reassembled payload, only the fragments a sleeping LPN will itself
// reassemble.
type FriendQueueSink interface {
	EnqueuePDU(src, dst uint16, ivIndex uint32, seq uint32, ctl bool, ttl uint8, ltrPDU []byte)
}

// TxResult reports the outcome of a Send call that required
// acknowledgement.
type TxResult int

const (
	TxResultDelivered TxResult = iota
	TxResultTimeout
	TxResultRejected // peer's Segment-ACK had BlockAck=0
)

// TxResultSink receives asynchronous outcomes of acknowledged sends.
type TxResultSink interface {
	HandleTxResult(txKey TxKey, result TxResult)
}

// TxKey identifies one outstanding TX transaction.
type TxKey struct {
	Dst     uint16
	SeqZero uint16
}

const (
	ackTimerBase       = 150 * time.Millisecond
	ackTimerPerTTLStep = 50 * time.Millisecond
	incompleteTimeout  = 10 * time.Second
	maxTxRetries       = 4
	txRetryInterval    = 1 * time.Second
)

// Layer is the Lower Transport / SAR layer.
type Layer struct {
	store   *store.Store
	history *replay.History
	loop    *sched.Loop
	netTx   *netlayer.Layer
	events  events.Sink

	accessSink  AccessSink
	controlSink ControlSink
	friendRoute FriendQueueRouter
	friendSink  FriendQueueSink

	// ackSrcResolver lets the Friend role say "I am acknowledging dst's
	// segments on its behalf" (on-behalf-of, OBO): given the destination
	// address a segment arrived for, it returns the address the
	// Segment-ACK should claim as SRC and whether OBO should be set. nil
	// (or a false second return) means "ack as dst itself".
	ackSrcResolver func(dst uint16) (src uint16, obo bool)

	rxSlots []rxSlot
	txs     map[TxKey]*txTransaction
	txSink  TxResultSink

	generation uint64
}

// New constructs a Lower Transport layer. loop drives every timer this
// layer schedules: Post/Run must already be wired into the node's single
// cooperative handler.
func New(st *store.Store, history *replay.History, loop *sched.Loop, netTx *netlayer.Layer, sink events.Sink, rxSlotCount int) *Layer {
	return &Layer{
		store:   st,
		history: history,
		loop:    loop,
		netTx:   netTx,
		events:  sink,
		rxSlots: make([]rxSlot, rxSlotCount),
		txs:     make(map[TxKey]*txTransaction),
	}
}

// SetAccessSink wires the Upper Transport layer (C5).
func (l *Layer) SetAccessSink(s AccessSink) { l.accessSink = s }

// SetControlSink wires the Friend/LPN/heartbeat dispatcher.
func (l *Layer) SetControlSink(s ControlSink) { l.controlSink = s }

// SetFriendRoute wires the Friend role's LPN-destination lookup.
func (l *Layer) SetFriendRoute(r FriendQueueRouter) { l.friendRoute = r }

// SetFriendQueueSink wires the Friend role's Friend Queue enqueue path.
func (l *Layer) SetFriendQueueSink(s FriendQueueSink) { l.friendSink = s }

// SetAckSrcResolver wires the Friend role's on-behalf-of acknowledgement
// address resolution.
func (l *Layer) SetAckSrcResolver(f func(dst uint16) (src uint16, obo bool)) {
	l.ackSrcResolver = f
}

// SetTxResultSink wires the collaborator notified of SarTxTimeout /
// SarTxRejected outcomes.
func (l *Layer) SetTxResultSink(s TxResultSink) { l.txSink = s }

func (l *Layer) nextGeneration() uint64 {
	l.generation++
	return l.generation
}

// TxInfo parameterizes one Lower Transport send.
type TxInfo struct {
	Src, Dst      uint16
	TTL           uint8
	NetKeyIndex   uint16
	FriendLpnAddr uint16
	IfaceID       int

	IsControl bool
	Opcode    uint8 // control only
	AKF       bool  // access only
	AID       uint8 // access only
	SZMIC     bool  // access only

	RequireAck bool // demand Segment-ACK even if it would fit unsegmented
}

// Send chooses the TX path: unsegmented when the payload fits and no ack
// is demanded, else segmented with a retransmission schedule tracked
// against Segment-ACKs.
func (l *Layer) Send(info TxInfo, payload []byte) error {
	return l.send(info, payload, nil)
}

// SendEncrypted is like Send, but firstSeq is a SEQ the caller already
// drew from the source element's counter: the Upper Transport layer's
// CCM nonce is keyed by the same SEQ that ends up on the wire, so it
// must allocate that SEQ before encrypting, before Lower Transport would
// otherwise have drawn one itself. Any further segments draw subsequent
// SEQs normally, continuing on from firstSeq.
func (l *Layer) SendEncrypted(info TxInfo, firstSeq uint32, payload []byte) error {
	return l.send(info, payload, &firstSeq)
}

func (l *Layer) send(info TxInfo, payload []byte, presetFirstSeq *uint32) error {
	unsegCap := segpdu.UnsegmentedAccessCapacity
	if info.IsControl {
		unsegCap = segpdu.UnsegmentedControlCapacity
	}

	if len(payload) <= unsegCap && !info.RequireAck {
		return l.sendUnsegmented(info, payload, presetFirstSeq)
	}
	return l.sendSegmented(info, payload, presetFirstSeq)
}

func (l *Layer) sendUnsegmented(info TxInfo, payload []byte, presetFirstSeq *uint32) error {
	var headerByte byte
	if info.IsControl {
		headerByte = segpdu.EncodeUnsegmented(segpdu.UnsegmentedHeader{IsControl: true, Opcode: info.Opcode})
	} else {
		headerByte = segpdu.EncodeUnsegmented(segpdu.UnsegmentedHeader{IsControl: false, AKF: info.AKF, AID: info.AID})
	}
	pdu := make([]byte, 0, 1+len(payload))
	pdu = append(pdu, headerByte)
	pdu = append(pdu, payload...)

	netInfo := netlayer.NwkPduTxInfo{
		Src: info.Src, Dst: info.Dst, CTL: info.IsControl, TTL: info.TTL,
		NetKeyIndex: info.NetKeyIndex, FriendLpnAddr: info.FriendLpnAddr, IfaceID: info.IfaceID,
	}
	if presetFirstSeq != nil {
		return l.netTx.SendWithSeq(netInfo, *presetFirstSeq, pdu)
	}
	_, err := l.netTx.Send(netInfo, pdu)
	return err
}

// sendSegmented splits payload into segments for TX. Every segment's SEQ
// is allocated up front so the first segment's SEQ (the SeqZero basis)
// is known before any segment's header is encoded — segment headers
// cannot be patched after transmission.
func (l *Layer) sendSegmented(info TxInfo, payload []byte, presetFirstSeq *uint32) error {
	segLen := segpdu.SegmentPayloadAccess
	if info.IsControl {
		segLen = segpdu.SegmentPayloadControl
	}
	segN := (len(payload) - 1) / segLen
	if segN > 31 {
		return store.ErrCapacityExceeded
	}

	seqs := make([]uint32, segN+1)
	allocStart := 0
	if presetFirstSeq != nil {
		seqs[0] = *presetFirstSeq
		allocStart = 1
	}
	for i := allocStart; i <= segN; i++ {
		seq, err := l.store.NextSeq(info.Src)
		if err != nil {
			if l.events != nil && err == store.ErrSeqExhausted {
				l.events.Notify(events.SeqExhausted{ElementAddr: info.Src})
			}
			return err
		}
		seqs[i] = seq
	}
	firstSeq := seqs[0]
	seqZero := uint16(firstSeq & 0x1FFF)

	tx := &txTransaction{
		info:        info,
		segLen:      segLen,
		segN:        uint8(segN),
		payload:     append([]byte{}, payload...),
		seqs:        seqs,
		seqZero:     seqZero,
		firstSeq:    firstSeq,
		ivIndex:     l.store.IVIndex(),
		retriesLeft: maxTxRetries,
	}
	tx.key = TxKey{Dst: info.Dst, SeqZero: seqZero}
	tx.generation = l.nextGeneration()

	for segO := 0; segO <= segN; segO++ {
		start := segO * segLen
		end := start + segLen
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		header := segpdu.SegmentedHeader{
			IsControl: info.IsControl,
			AKF:       info.AKF,
			AID:       info.AID,
			Opcode:    info.Opcode,
			SZMIC:     info.SZMIC,
			SeqZero:   seqZero,
			SegO:      uint8(segO),
			SegN:      uint8(segN),
		}
		hdrBytes, err := segpdu.EncodeSegmented(header)
		if err != nil {
			return err
		}
		tx.segments = append(tx.segments, append(hdrBytes, chunk...))
	}

	l.txs[tx.key] = tx
	for segO, pdu := range tx.segments {
		if err := l.netTx.SendWithSeq(netlayer.NwkPduTxInfo{
			Src: info.Src, Dst: info.Dst, CTL: info.IsControl, TTL: info.TTL,
			NetKeyIndex: info.NetKeyIndex, FriendLpnAddr: info.FriendLpnAddr, IfaceID: info.IfaceID,
		}, seqs[segO], pdu); err != nil {
			return err
		}
	}

	if store.IsUnicast(info.Dst) {
		tx.timeoutTimer = sched.Schedule(l.loop, time.Duration(maxTxRetries+1)*txRetryInterval, tx, tx.generation, "SarTxTimeout")
		tx.retryTimer = sched.Schedule(l.loop, txRetryInterval, tx, tx.generation, "SarTxRetry")
	}
	return nil
}

func (l *Layer) retransmitUnacked(tx *txTransaction) {
	for segO := 0; segO <= int(tx.segN); segO++ {
		if tx.blockAck&(1<<uint(segO)) != 0 {
			continue
		}
		discard(l.netTx.SendWithSeq(netlayer.NwkPduTxInfo{
			Src: tx.info.Src, Dst: tx.info.Dst, CTL: tx.info.IsControl, TTL: tx.info.TTL,
			NetKeyIndex: tx.info.NetKeyIndex, FriendLpnAddr: tx.info.FriendLpnAddr, IfaceID: tx.info.IfaceID,
		}, tx.seqs[segO], tx.segments[segO]))
	}
	tx.retriesLeft--
	if tx.retriesLeft <= 0 {
		return
	}
	if tx.retryTimer != nil {
		tx.retryTimer.Cancel()
	}
	tx.retryTimer = sched.Schedule(l.loop, txRetryInterval, tx, tx.generation, "SarTxRetry")
}

func (l *Layer) finishTx(tx *txTransaction, result TxResult) {
	if tx.timeoutTimer != nil {
		tx.timeoutTimer.Cancel()
	}
	if tx.retryTimer != nil {
		tx.retryTimer.Cancel()
	}
	if cur, ok := l.txs[tx.key]; ok && cur == tx {
		delete(l.txs, tx.key)
	}
	if l.txSink != nil {
		l.txSink.HandleTxResult(tx.key, result)
	}
}

// discards a sendWithSeq error return; retransmits are best-effort and
// reported only through the overall timeout/ack path.
func discard(error) {}

// HandleNetworkPDU implements netlayer.RxSink: one accepted network PDU
// arrives from C3 with its transport-layer bytes in info.Payload.
func (l *Layer) HandleNetworkPDU(info netlayer.NwkPduRxInfo) {
	if len(info.Payload) == 0 {
		return
	}
	if segpdu.IsSegmented(info.Payload[0]) {
		l.handleSegment(info)
		return
	}
	l.handleUnsegmented(info)
}

func (l *Layer) handleUnsegmented(info netlayer.NwkPduRxInfo) {
	h := segpdu.DecodeUnsegmented(info.Payload[0], info.CTL)
	body := info.Payload[1:]

	if info.CTL {
		if h.Opcode == friendpdu.OpcodeSegmentAck {
			l.handleSegmentAckRx(info, body)
			return
		}
		hasLPN := l.friendRoute != nil && l.friendRoute.HasLPNDestination(info.Dst)
		if hasLPN && l.friendSink != nil {
			l.friendSink.EnqueuePDU(info.Src, info.Dst, info.IVIndex, info.Seq, true, info.TTL, info.Payload)
		}
		if !(hasLPN && store.IsUnicast(info.Dst)) && l.controlSink != nil {
			l.controlSink.HandleControlPDU(ControlRxInfo{
				Src: info.Src, Dst: info.Dst, TTL: info.TTL, NetKeyIndex: info.NetKeyIndex,
				Opcode: h.Opcode, Payload: body, IfaceID: info.IfaceID, RSSI: info.RSSI,
			})
		}
		return
	}

	hasLPN := l.friendRoute != nil && l.friendRoute.HasLPNDestination(info.Dst)
	if hasLPN && l.friendSink != nil {
		l.friendSink.EnqueuePDU(info.Src, info.Dst, info.IVIndex, info.Seq, false, info.TTL, info.Payload)
	}
	if !(hasLPN && store.IsUnicast(info.Dst)) && l.accessSink != nil {
		l.accessSink.HandleAccessPDU(AccessRxInfo{
			Src: info.Src, Dst: info.Dst, TTL: info.TTL, IVIndex: info.IVIndex, Seq: info.Seq,
			NetKeyIndex: info.NetKeyIndex, AKF: h.AKF, AID: h.AID, Payload: body, IfaceID: info.IfaceID,
		})
	}
}

// handleSegmentAckRx processes a Segment-ACK received for our own
// outstanding TX transaction.
func (l *Layer) handleSegmentAckRx(info netlayer.NwkPduRxInfo, body []byte) {
	ack, err := segpdu.DecodeSegmentAck(body)
	if err != nil {
		return
	}
	tx, ok := l.txs[TxKey{Dst: info.Src, SeqZero: ack.SeqZero}]
	if !ok {
		return
	}
	if ack.BlockAck == 0 {
		l.finishTx(tx, TxResultRejected)
		return
	}
	tx.blockAck = ack.BlockAck
	if tx.blockAck == segpdu.FullBlockAck(tx.segN) {
		l.finishTx(tx, TxResultDelivered)
		return
	}
	l.retransmitUnacked(tx)
}

// handleSegment runs the RX reassembly path: locate or allocate a slot,
// merge the segment into it, and either ack and complete or reschedule
// the ack/incomplete timers.
func (l *Layer) handleSegment(info netlayer.NwkPduRxInfo) {
	h, err := segpdu.DecodeSegmented(info.Payload, info.CTL)
	if err != nil {
		return
	}
	ivLSB := uint8(info.IVIndex & 1)
	firstSeq := segpdu.ReconstructSeq(info.Seq, h.SeqZero)
	seqAuth := replay.SeqAuth{IVIndex: info.IVIndex, Seq: firstSeq}

	if l.history.IsOutdated(info.Src, seqAuth) {
		return
	}

	verdict, segN, obo := l.history.Lookup(info.Src, ivLSB, h.SeqZero)
	switch verdict {
	case replay.CurrentCompleted:
		if store.IsUnicast(info.Dst) {
			l.sendSegmentAck(info.Src, info.Dst, info.NetKeyIndex, info.IfaceID, h.SeqZero, segpdu.FullBlockAck(segN), obo)
		}
		return
	case replay.CurrentAborted:
		return
	}

	slot := l.findOrAllocSlot(info, h, seqAuth)
	if slot == nil {
		if store.IsUnicast(info.Dst) {
			l.sendSegmentAck(info.Src, info.Dst, info.NetKeyIndex, info.IfaceID, h.SeqZero, 0, false)
		}
		return
	}

	segLen := segpdu.SegmentPayloadAccess
	if info.CTL {
		segLen = segpdu.SegmentPayloadControl
	}
	body := info.Payload[segpdu.SegmentedHeaderLen:]
	off := int(h.SegO) * segLen
	if off+len(body) > len(slot.payload) {
		return
	}
	copy(slot.payload[off:], body)
	if h.SegO == slot.segN {
		// The last segment may be short: trim the buffer to the real length.
		slot.payload = slot.payload[:off+len(body)]
	}
	slot.offsets[h.SegO] = info.Seq
	slot.raws[h.SegO] = append([]byte{}, info.Payload...)
	slot.blockAck |= 1 << uint(h.SegO)
	slot.ttl = info.TTL

	if slot.blockAck == segpdu.FullBlockAck(slot.segN) {
		l.completeSlot(slot)
		return
	}

	ackDelay := ackTimerBase + time.Duration(info.TTL)*ackTimerPerTTLStep
	if slot.ackTimer != nil {
		slot.ackTimer.Cancel()
	}
	slot.ackTimer = sched.Schedule(l.loop, ackDelay, slot, slot.generation, "SarAckTimer")
	if slot.incompTimer != nil {
		slot.incompTimer.Cancel()
	}
	slot.incompTimer = sched.Schedule(l.loop, incompleteTimeout, slot, slot.generation, "SarIncompleteTimer")
}

// findOrAllocSlot locates a reassembly slot already in progress for this
// transaction, allocates a free one if none exists, or abandons an older
// in-progress reassembly superseded by a newer SeqAuth from the same
// src/dst/segN.
func (l *Layer) findOrAllocSlot(info netlayer.NwkPduRxInfo, h segpdu.SegmentedHeader, seqAuth replay.SeqAuth) *rxSlot {
	for i := range l.rxSlots {
		s := &l.rxSlots[i]
		if !s.inUse || s.src != info.Src || s.dst != info.Dst || s.segN != h.SegN {
			continue
		}
		switch {
		case s.seqAuth.Less(seqAuth):
			l.abortSlot(s)
		case seqAuth.Less(s.seqAuth):
			return nil
		default:
			return s
		}
	}
	for i := range l.rxSlots {
		s := &l.rxSlots[i]
		if !s.inUse {
			l.initSlot(s, info, h, seqAuth)
			return s
		}
	}
	return nil
}

func (l *Layer) initSlot(slot *rxSlot, info netlayer.NwkPduRxInfo, h segpdu.SegmentedHeader, seqAuth replay.SeqAuth) {
	segLen := segpdu.SegmentPayloadAccess
	if info.CTL {
		segLen = segpdu.SegmentPayloadControl
	}
	slot.inUse = true
	slot.generation++
	slot.src, slot.dst = info.Src, info.Dst
	slot.ctl = info.CTL
	slot.segN = h.SegN
	slot.seqZero = h.SeqZero
	slot.netKeyIndex = info.NetKeyIndex
	slot.ifaceID = info.IfaceID
	slot.ivIndex = info.IVIndex
	slot.rssi = info.RSSI
	slot.akf, slot.aid, slot.opcode, slot.szmic = h.AKF, h.AID, h.Opcode, h.SZMIC
	slot.firstSeq = seqAuth.Seq
	slot.seqAuth = seqAuth
	slot.payload = make([]byte, (int(h.SegN)+1)*segLen)
	slot.blockAck = 0
	slot.offsets = make([]uint32, int(h.SegN)+1)
	slot.raws = make([][]byte, int(h.SegN)+1)
}

// abortSlot abandons an in-progress reassembly, recording the abort so
// stale segments of the same transaction are silently dropped rather
// than reallocating a slot.
func (l *Layer) abortSlot(slot *rxSlot) {
	l.history.RecordAborted(slot.src, uint8(slot.ivIndex&1), slot.seqZero, slot.seqAuth)
	l.freeSlot(slot)
}

func (l *Layer) freeSlot(slot *rxSlot) {
	if slot.ackTimer != nil {
		slot.ackTimer.Cancel()
	}
	if slot.incompTimer != nil {
		slot.incompTimer.Cancel()
	}
	slot.inUse = false
	slot.payload = nil
	slot.offsets = nil
	slot.raws = nil
	slot.ackTimer = nil
	slot.incompTimer = nil
}

// completeSlot finishes a reassembly and runs the friendship handoff: the
// reassembled PDU (or, for a befriended LPN destination, its original
// segments) is handed to the Upper Transport layer or the Friend Queue.
func (l *Layer) completeSlot(slot *rxSlot) {
	if store.IsUnicast(slot.dst) {
		l.sendSegmentAck(slot.src, slot.dst, slot.netKeyIndex, slot.ifaceID, slot.seqZero, slot.blockAck, false)
	}
	l.history.RecordCompleted(slot.src, uint8(slot.ivIndex&1), slot.seqZero, slot.segN, false, slot.seqAuth)

	segments := make([]SegmentRecord, len(slot.raws))
	for i, raw := range slot.raws {
		segments[i] = SegmentRecord{SegO: uint8(i), Seq: slot.offsets[i], Raw: raw}
	}

	hasLPN := l.friendRoute != nil && l.friendRoute.HasLPNDestination(slot.dst)
	if hasLPN && l.friendSink != nil {
		for _, seg := range segments {
			l.friendSink.EnqueuePDU(slot.src, slot.dst, slot.ivIndex, seg.Seq, slot.ctl, slot.ttl, seg.Raw)
		}
	}
	deliverLocally := !(hasLPN && store.IsUnicast(slot.dst))

	if slot.ctl {
		if deliverLocally && l.controlSink != nil {
			l.controlSink.HandleControlPDU(ControlRxInfo{
				Src: slot.src, Dst: slot.dst, TTL: slot.ttl, NetKeyIndex: slot.netKeyIndex,
				Opcode: slot.opcode, Payload: append([]byte{}, slot.payload...), IfaceID: slot.ifaceID, RSSI: slot.rssi,
			})
		}
	} else if deliverLocally && l.accessSink != nil {
		l.accessSink.HandleAccessPDU(AccessRxInfo{
			Src: slot.src, Dst: slot.dst, TTL: slot.ttl, IVIndex: slot.ivIndex, Seq: slot.firstSeq,
			NetKeyIndex: slot.netKeyIndex, AKF: slot.akf, AID: slot.aid, SZMIC: slot.szmic,
			Payload: append([]byte{}, slot.payload...), IfaceID: slot.ifaceID, Segments: segments,
		})
	}
	l.freeSlot(slot)
}

// sendSegmentAck transmits a Segment-ACK replying to src, as if sent
// from ownAddr (or the Friend role's on-behalf-of address when
// SetAckSrcResolver resolves one).
func (l *Layer) sendSegmentAck(src, ownAddr uint16, netKeyIndex uint16, ifaceID int, seqZero uint16, blockAck uint32, historyOBO bool) {
	ackSrc, resolvedOBO := ownAddr, false
	if l.ackSrcResolver != nil {
		ackSrc, resolvedOBO = l.ackSrcResolver(ownAddr)
	}
	obo := historyOBO || resolvedOBO
	payload, err := segpdu.SegmentAck{OBO: obo, SeqZero: seqZero, BlockAck: blockAck}.Encode()
	if err != nil {
		return
	}
	info := TxInfo{
		Src: ackSrc, Dst: src, TTL: l.store.DefaultTTL(), NetKeyIndex: netKeyIndex, IfaceID: ifaceID,
		IsControl: true, Opcode: friendpdu.OpcodeSegmentAck,
	}
	if resolvedOBO {
		// Acknowledging on a befriended LPN's behalf: the ack must carry
		// friendship security credentials, not master.
		info.FriendLpnAddr = ackSrc
	}
	discard(l.Send(info, payload))
}

// rxSlot is one in-progress or just-freed SAR-RX reassembly slot,
// identified while in use by (src, dst, segN).
type rxSlot struct {
	inUse      bool
	generation uint64

	src, dst    uint16
	ctl         bool
	segN        uint8
	seqZero     uint16
	netKeyIndex uint16
	ifaceID     int
	ivIndex     uint32
	ttl         uint8
	rssi        int8

	akf    bool
	aid    uint8
	opcode uint8
	szmic  bool

	firstSeq uint32
	seqAuth  replay.SeqAuth

	payload  []byte
	blockAck uint32
	offsets  []uint32 // original SEQ per SegO
	raws     [][]byte // original raw segment bytes per SegO

	ackTimer    *sched.Timer
	incompTimer *sched.Timer
}

// txTransaction is one outstanding segmented TX awaiting Segment-ACKs.
type txTransaction struct {
	info    TxInfo
	segLen  int
	segN    uint8
	payload []byte

	segments [][]byte // per-segment encoded lower-transport bytes, for retransmission
	seqs     []uint32 // per-segment SEQ, reused on retransmission so SeqZero stays consistent
	blockAck uint32
	seqZero  uint16
	firstSeq uint32
	ivIndex  uint32

	key         TxKey
	generation  uint64
	retriesLeft int

	timeoutTimer *sched.Timer
	retryTimer   *sched.Timer
}

// HandleTimerExpired dispatches a sched.TimerExpired message belonging
// to this layer's slots, returning false if msg was not one of this
// layer's timer kinds. A late expiry for a freed/reused slot is silently
// ignored by checking the in-use flag and generation counter.
func (l *Layer) HandleTimerExpired(msg sched.TimerExpired) bool {
	switch msg.Kind {
	case "SarAckTimer":
		slot, ok := msg.SlotID.(*rxSlot)
		if !ok {
			return false
		}
		if slot.inUse && slot.generation == msg.Generation && store.IsUnicast(slot.dst) {
			l.sendSegmentAck(slot.src, slot.dst, slot.netKeyIndex, slot.ifaceID, slot.seqZero, slot.blockAck, false)
		}
		return true
	case "SarIncompleteTimer":
		slot, ok := msg.SlotID.(*rxSlot)
		if !ok {
			return false
		}
		if slot.inUse && slot.generation == msg.Generation {
			l.abortSlot(slot)
		}
		return true
	case "SarTxTimeout":
		tx, ok := msg.SlotID.(*txTransaction)
		if !ok {
			return false
		}
		if cur, exists := l.txs[tx.key]; exists && cur == tx && tx.generation == msg.Generation {
			l.finishTx(tx, TxResultTimeout)
		}
		return true
	case "SarTxRetry":
		tx, ok := msg.SlotID.(*txTransaction)
		if !ok {
			return false
		}
		if cur, exists := l.txs[tx.key]; exists && cur == tx && tx.generation == msg.Generation {
			l.retransmitUnacked(tx)
		}
		return true
	}
	return false
}
