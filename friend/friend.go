// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package friend implements the Friend role: per-LPN friendship
// establishment, Friend Queue management with message-dependent
// eviction, the poll/deliver loop, the clear-notification sub-protocol,
// subscription list synchronization, and security-rotation Friend-Update
// delivery.
package friend

import (
	"time"

	"meshcore/lowertransport"
	"meshcore/meshcrypto"
	"meshcore/netlayer"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/wire/friendpdu"
	"meshcore/wire/segpdu"
)

// State is a friendship context's place in the establishment state
// machine: Idle -> WaitReq(global) -> PrepKey -> WaitRecvDelay ->
// WaitPoll -> Established. WaitReq is not itself a per-context state: it
// is the absence of a context for a given LPN, i.e. the Friend role
// listening for any Friend-Request.
type State int

const (
	StateIdle State = iota
	StatePrepKey
	StateWaitRecvDelay
	StateWaitPoll
	StateEstablished
)

// PollTimeout bounds in 100 ms units (glossary "PollTimeout").
const (
	minPollTimeout uint32 = 10
	maxPollTimeout uint32 = 0x34BBFF
)

// Friend Queue entry flags.
type queueKind int

const (
	queueData queueKind = iota
	queueUpdate
	queueSegAck
)

type queueEntry struct {
	kind    queueKind
	src     uint16
	dst     uint16
	ctl     bool
	ttl     uint8
	pdu     []byte // lower-transport bytes, ready to re-emit unchanged (except TTL)
	seq     uint32 // original SEQ, required to re-pack the same network PDU
	seqZero uint16 // valid for queueSegAck only, used to collapse stale acks
}

// frContext is one Friend-LPN friendship, keyed by (lpnAddr, netKeyIndex).
type frContext struct {
	inUse      bool
	generation uint64
	state      State

	netKeyIndex uint16
	lpnAddr     uint16
	numElements uint8
	lpnCounter  uint16
	friendCounter uint16
	recvDelay   uint8  // ms, as requested by the LPN
	pollTimeout uint32 // 100 ms units
	prevFriend  uint16

	cred *meshcrypto.K2Material

	haveFSN bool
	fsn     bool

	queue         []queueEntry
	subscriptions []uint16
	haveTransNum  bool
	lastTransNum  uint8

	ifaceID int

	delayTimer  *sched.Timer
	pollTimer   *sched.Timer
	clearTimer  *sched.Timer
	clearElapsed  time.Duration
	clearInterval time.Duration
}

// Layer is the Friend role.
type Layer struct {
	store   *store.Store
	loop    *sched.Loop
	netTx   *netlayer.Layer
	lowerTx *lowertransport.Layer

	contexts []frContext

	queueCap      int
	subscrCap     int
	ownRecvWindow uint8 // ms, advertised in Friend-Offer
	minRecvDelay  uint8 // ms, rejection threshold

	nextFriendCounter uint16
	generation        uint64
}

// New constructs a Friend role. maxFriendships bounds the number of
// concurrent friendship contexts (boot config maxNumFriendships);
// queueCap and subscrCap mirror maxNumFriendQueueEntries and
// maxFriendSubscrListSize; ownRecvWindowMS is this node's advertised
// receive window and minRecvDelayMS the minimum Receive Delay this Friend
// will accept from a requester.
func New(st *store.Store, loop *sched.Loop, netTx *netlayer.Layer, lowerTx *lowertransport.Layer,
	maxFriendships, queueCap, subscrCap int, ownRecvWindowMS, minRecvDelayMS uint8) *Layer {
	return &Layer{
		store:         st,
		loop:          loop,
		netTx:         netTx,
		lowerTx:       lowerTx,
		contexts:      make([]frContext, maxFriendships),
		queueCap:      queueCap,
		subscrCap:     subscrCap,
		ownRecvWindow: ownRecvWindowMS,
		minRecvDelay:  minRecvDelayMS,
	}
}

func (l *Layer) nextGeneration() uint64 {
	l.generation++
	return l.generation
}

func discard(error) {}

// HasLPNDestination implements lowertransport.FriendQueueRouter.
func (l *Layer) HasLPNDestination(dst uint16) bool {
	return l.contextForDst(dst) != nil
}

// ResolveAckSrc implements the signature lowertransport.SetAckSrcResolver
// expects: given the destination address a segment arrived for (which
// may be the LPN's own unicast address or a group/virtual address it
// subscribes to), resolve the address the reply Segment-ACK should claim
// as SRC. For a befriended LPN it returns the LPN's primary address with
// obo set, marking an on-behalf-of acknowledgment sent by this Friend
// under the LPN's address; otherwise it returns dst with obo clear.
func (l *Layer) ResolveAckSrc(dst uint16) (src uint16, obo bool) {
	ctx := l.contextForDst(dst)
	if ctx == nil {
		return dst, false
	}
	return ctx.lpnAddr, true
}

func (l *Layer) contextForDst(dst uint16) *frContext {
	for i := range l.contexts {
		ctx := &l.contexts[i]
		if !ctx.inUse || ctx.state != StateEstablished {
			continue
		}
		if dst >= ctx.lpnAddr && dst < ctx.lpnAddr+uint16(ctx.numElements) {
			return ctx
		}
		for _, s := range ctx.subscriptions {
			if s == dst {
				return ctx
			}
		}
	}
	return nil
}

func (l *Layer) contextForLPN(addr uint16) *frContext {
	for i := range l.contexts {
		ctx := &l.contexts[i]
		if ctx.inUse && addr >= ctx.lpnAddr && addr < ctx.lpnAddr+uint16(ctx.numElements) {
			return ctx
		}
	}
	return nil
}

// EnqueuePDU implements lowertransport.FriendQueueSink: one lower-transport
// PDU (unsegmented PDU or one original segment of a reassembled one)
// destined for a befriended LPN is captured for later delivery on poll.
func (l *Layer) EnqueuePDU(src, dst uint16, ivIndex uint32, seq uint32, ctl bool, ttl uint8, ltrPDU []byte) {
	if ttl <= 1 {
		return
	}
	ctx := l.contextForDst(dst)
	if ctx == nil {
		return
	}
	e := queueEntry{kind: queueData, src: src, dst: dst, ctl: ctl, ttl: ttl - 1, seq: seq, pdu: append([]byte{}, ltrPDU...)}
	if ctl && len(ltrPDU) > 0 && !segpdu.IsSegmented(ltrPDU[0]) {
		h := segpdu.DecodeUnsegmented(ltrPDU[0], true)
		if h.Opcode == friendpdu.OpcodeSegmentAck {
			if ack, err := segpdu.DecodeSegmentAck(ltrPDU[1:]); err == nil {
				e.kind = queueSegAck
				e.seqZero = ack.SeqZero
			}
		}
	}
	l.enqueue(ctx, e)
}

// enqueue applies the Friend Queue's eviction rules: a newer Segment-ACK
// for the same (src,dst,SeqZero) replaces the older one in place; on
// overflow the oldest non-Update entry is evicted; if only Updates
// remain, the new entry is rejected.
func (l *Layer) enqueue(ctx *frContext, e queueEntry) {
	if e.kind == queueSegAck {
		for i := range ctx.queue {
			if ctx.queue[i].kind == queueSegAck && ctx.queue[i].src == e.src &&
				ctx.queue[i].dst == e.dst && ctx.queue[i].seqZero == e.seqZero {
				ctx.queue[i] = e
				return
			}
		}
	}
	if len(ctx.queue) >= l.queueCap {
		evicted := false
		for i := range ctx.queue {
			if ctx.queue[i].kind != queueUpdate {
				ctx.queue = append(ctx.queue[:i], ctx.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
	ctx.queue = append(ctx.queue, e)
}

// NotifySecurityRotation enqueues a Friend-Update for every established
// friendship whenever the subnet's IV-Index or key-refresh phase
// changes. Callers (node wiring) invoke this after applying the change
// to the store.
func (l *Layer) NotifySecurityRotation(netKeyIndex uint16) {
	for i := range l.contexts {
		ctx := &l.contexts[i]
		if ctx.inUse && ctx.state == StateEstablished && ctx.netKeyIndex == netKeyIndex {
			l.enqueueSecurityUpdate(ctx)
		}
	}
}

func (l *Layer) enqueueSecurityUpdate(ctx *frContext) {
	nk, err := l.store.NetKey(ctx.netKeyIndex)
	if err != nil {
		return
	}
	upd := friendpdu.FriendUpdate{
		KeyRefreshFlag: nk.Phase != store.PhaseNone,
		IVUpdateFlag:   l.store.IVUpdateInProgress(),
		IVIndex:        l.store.IVIndex(),
	}
	l.enqueue(ctx, queueEntry{kind: queueUpdate, pdu: upd.Encode()})
}

// decodeCriteria splits a Friend-Request's Criteria byte into the three
// sub-fields this role needs: MinQueueSizeLog (bits 0-2), ReceiveWindow
// Factor (bits 3-4), RSSI Factor (bits 5-6). This bit layout is this
// module's own choice; the LPN role encodes the Criteria byte of its
// Friend-Request with the same layout. The Friend-Offer carries no
// Criteria byte.
func decodeCriteria(c byte) (minQueueSizeLog, recvWinFactor, rssiFactor uint8) {
	return c & 0x07, (c >> 3) & 0x03, (c >> 5) & 0x03
}

// offerDelay computes the Friend-Offer transmission delay from the
// requester's ReceiveWindow/RSSI factors and this node's advertised
// receive window, floored at 100 ms.
func offerDelay(recvWinFactor, rssiFactor uint8, ownRecvWindow uint8, rssi int8) time.Duration {
	ms := (int32(10+5*int32(recvWinFactor))*int32(ownRecvWindow) -
		int32(10+5*int32(rssiFactor))*int32(rssi)) / 10
	if ms < 100 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *Layer) findFreeContext() *frContext {
	for i := range l.contexts {
		if !l.contexts[i].inUse {
			return &l.contexts[i]
		}
	}
	return nil
}

func (l *Layer) freeContext(ctx *frContext) {
	if ctx.delayTimer != nil {
		ctx.delayTimer.Cancel()
	}
	if ctx.pollTimer != nil {
		ctx.pollTimer.Cancel()
	}
	if ctx.clearTimer != nil {
		ctx.clearTimer.Cancel()
	}
	*ctx = frContext{}
}

// HandleFriendshipPDU implements uppertransport.FriendshipSink, dispatching
// every friendship control opcode other than heartbeat/Segment-ACK.
func (l *Layer) HandleFriendshipPDU(info lowertransport.ControlRxInfo) {
	switch info.Opcode {
	case friendpdu.OpcodeFriendRequest:
		l.handleFriendRequest(info)
	case friendpdu.OpcodeFriendPoll:
		l.handleFriendPoll(info)
	case friendpdu.OpcodeFriendClear:
		l.handleIncomingClear(info)
	case friendpdu.OpcodeFriendClearConfirm:
		l.handleClearConfirm(info)
	case friendpdu.OpcodeSubscrListAdd:
		l.handleSubscrListUpdate(info, false)
	case friendpdu.OpcodeSubscrListRemove:
		l.handleSubscrListUpdate(info, true)
	}
}

func (l *Layer) handleFriendRequest(info lowertransport.ControlRxInfo) {
	req, err := friendpdu.DecodeFriendRequest(info.Payload)
	if err != nil {
		return
	}
	// A requested Receive Delay shorter than this Friend's minimum is an
	// unconditional rejection; PollTimeout must also fall within its valid
	// range.
	if req.RecvDelay < l.minRecvDelay || req.PollTimeout < minPollTimeout || req.PollTimeout > maxPollTimeout || req.NumElements == 0 {
		return
	}
	minQSLog, recvWinFactor, rssiFactor := decodeCriteria(req.Criteria)
	if uint32(1)<<minQSLog > uint32(l.queueCap) {
		return // cannot satisfy the requested minimum queue size
	}

	ctx := l.contextForLPN(info.Src)
	if ctx == nil {
		ctx = l.findFreeContext()
	}
	if ctx == nil {
		return // no free friendship context: silently drop the request
	}
	if ctx.inUse {
		l.freeContext(ctx) // retry with a new lpnCounter: start clean
	}

	nk, err := l.store.NetKey(info.NetKeyIndex)
	if err != nil {
		return
	}
	useNew := nk.Phase == store.PhasePhase2 || nk.Phase == store.PhasePhase3
	key := nk.Old[:]
	if useNew {
		key = nk.New[:]
	}
	cred, err := meshcrypto.K2(key, []byte{0x01})
	if err != nil {
		return // key-derivation failure aborts establishment
	}

	ctx.inUse = true
	ctx.generation = l.nextGeneration()
	ctx.state = StatePrepKey
	ctx.netKeyIndex = info.NetKeyIndex
	ctx.lpnAddr = info.Src
	ctx.numElements = req.NumElements
	ctx.lpnCounter = req.LPNCounter
	ctx.prevFriend = req.PrevAddr
	ctx.recvDelay = req.RecvDelay
	ctx.pollTimeout = req.PollTimeout
	ctx.ifaceID = info.IfaceID
	ctx.cred = cred
	l.nextFriendCounter++
	ctx.friendCounter = l.nextFriendCounter

	ctx.state = StateWaitRecvDelay
	delay := offerDelay(recvWinFactor, rssiFactor, l.ownRecvWindow, info.RSSI)
	ctx.delayTimer = sched.Schedule(l.loop, delay, ctx, ctx.generation, "FriendOfferDelay")
}

func (l *Layer) sendControlTo(dst uint16, netKeyIndex uint16, friendLpnAddr uint16, opcode uint8, payload []byte) error {
	return l.lowerTx.Send(lowertransport.TxInfo{
		Src: l.store.PrimaryAddr(), Dst: dst, TTL: l.store.DefaultTTL(), NetKeyIndex: netKeyIndex,
		FriendLpnAddr: friendLpnAddr, IsControl: true, Opcode: opcode,
	}, payload)
}

func (l *Layer) sendFriendOffer(ctx *frContext) {
	offer := friendpdu.FriendOffer{
		ReceiveWindow:  l.ownRecvWindow,
		QueueSize:      uint8(l.queueCap),
		SubscrListSize: uint8(l.subscrCap),
		RSSI:           0,
		FriendCounter:  ctx.friendCounter,
	}
	// Friend-Offer precedes friendship credential use, so it is sent under
	// master security rather than the friendship credentials it is
	// negotiating.
	discard(l.sendControlTo(ctx.lpnAddr, ctx.netKeyIndex, store.AddrUnassigned, friendpdu.OpcodeFriendOffer, offer.Encode()))
}

// handleFriendPoll implements the establishment first-poll transition and
// the steady-state poll/deliver loop.
func (l *Layer) handleFriendPoll(info lowertransport.ControlRxInfo) {
	ctx := l.contextForLPN(info.Src)
	if ctx == nil || len(info.Payload) == 0 {
		return
	}
	poll := friendpdu.DecodeFriendPoll(info.Payload[0])

	switch ctx.state {
	case StateWaitPoll:
		if ctx.pollTimer != nil {
			ctx.pollTimer.Cancel()
			ctx.pollTimer = nil
		}
		ctx.state = StateEstablished
		ctx.fsn = poll.FSN
		ctx.haveFSN = true
		if ctx.prevFriend != store.AddrUnassigned {
			l.startClearSubProtocol(ctx)
		}
	case StateEstablished:
		if !ctx.haveFSN || poll.FSN != ctx.fsn {
			if len(ctx.queue) > 0 {
				ctx.queue = ctx.queue[1:]
			}
			ctx.fsn = poll.FSN
			ctx.haveFSN = true
		}
	default:
		return
	}
	l.deliverNext(ctx)
}

// deliverNext transmits the queue head (or a synthesized MD=0
// Friend-Update when the queue is empty) with MD set iff more entries
// remain.
func (l *Layer) deliverNext(ctx *frContext) {
	md := len(ctx.queue) > 1
	if len(ctx.queue) == 0 {
		nk, err := l.store.NetKey(ctx.netKeyIndex)
		if err != nil {
			return
		}
		upd := friendpdu.FriendUpdate{
			KeyRefreshFlag: nk.Phase != store.PhaseNone,
			IVUpdateFlag:   l.store.IVUpdateInProgress(),
			IVIndex:        l.store.IVIndex(),
			MD:             false,
		}
		discard(l.sendControlTo(ctx.lpnAddr, ctx.netKeyIndex, ctx.lpnAddr, friendpdu.OpcodeFriendUpdate, upd.Encode()))
		return
	}

	e := ctx.queue[0]
	if e.kind == queueUpdate {
		buf := append([]byte{}, e.pdu...)
		if len(buf) == friendpdu.FriendUpdateLen {
			if md {
				buf[5] = 1
			} else {
				buf[5] = 0
			}
		}
		discard(l.sendControlTo(ctx.lpnAddr, ctx.netKeyIndex, ctx.lpnAddr, friendpdu.OpcodeFriendUpdate, buf))
		return
	}

	// Data and Segment-ACK entries are the original lower-transport bytes
	// captured off the wire; re-emit them unchanged under friendship
	// credentials at the already-decremented TTL, reusing the original SEQ
	// so the segment header's embedded SeqZero (derived from that SEQ)
	// stays self-consistent.
	discard(l.netTx.SendWithSeq(netlayer.NwkPduTxInfo{
		Src: e.src, Dst: e.dst, CTL: e.ctl, TTL: e.ttl,
		NetKeyIndex: ctx.netKeyIndex, FriendLpnAddr: ctx.lpnAddr, IfaceID: ctx.ifaceID,
	}, e.seq, e.pdu))
}

// startClearSubProtocol begins the previous-Friend clear-notification
// retransmit schedule: Friend-Clear at doubling intervals until either a
// matching Clear-Confirm arrives or the cumulative window reaches
// 2×PollTimeout.
func (l *Layer) startClearSubProtocol(ctx *frContext) {
	ctx.clearInterval = time.Second
	ctx.clearElapsed = 0
	l.sendClear(ctx)
}

func (l *Layer) sendClear(ctx *frContext) {
	payload := friendpdu.FriendClear{LPNAddr: ctx.lpnAddr, LPNCounter: ctx.lpnCounter}.Encode()
	discard(l.sendControlTo(ctx.prevFriend, ctx.netKeyIndex, store.AddrUnassigned, friendpdu.OpcodeFriendClear, payload))

	window := time.Duration(ctx.pollTimeout) * 100 * time.Millisecond * 2
	if ctx.clearElapsed >= window {
		return
	}
	ctx.clearTimer = sched.Schedule(l.loop, ctx.clearInterval, ctx, ctx.generation, "FriendClearRetry")
}

func (l *Layer) handleClearConfirm(info lowertransport.ControlRxInfo) {
	cc, err := friendpdu.DecodeFriendClearConfirm(info.Payload)
	if err != nil {
		return
	}
	for i := range l.contexts {
		ctx := &l.contexts[i]
		if ctx.inUse && ctx.prevFriend == info.Src &&
			cc.Matches(friendpdu.FriendClear{LPNAddr: ctx.lpnAddr, LPNCounter: ctx.lpnCounter}) {
			if ctx.clearTimer != nil {
				ctx.clearTimer.Cancel()
				ctx.clearTimer = nil
			}
			ctx.prevFriend = store.AddrUnassigned
		}
	}
}

// handleIncomingClear handles the case where this node is the PREVIOUS
// friend, receiving a Friend-Clear from the node that has since
// befriended the same LPN.
func (l *Layer) handleIncomingClear(info lowertransport.ControlRxInfo) {
	fc, err := friendpdu.DecodeFriendClear(info.Payload)
	if err != nil {
		return
	}
	for i := range l.contexts {
		ctx := &l.contexts[i]
		if ctx.inUse && ctx.lpnAddr == fc.LPNAddr && fc.LPNCounter >= ctx.lpnCounter {
			l.freeContext(ctx)
		}
	}
	confirm := friendpdu.FriendClearConfirm{LPNAddr: fc.LPNAddr, LPNCounter: fc.LPNCounter}.Encode()
	discard(l.sendControlTo(info.Src, info.NetKeyIndex, store.AddrUnassigned, friendpdu.OpcodeFriendClearConfirm, confirm))
}

// handleSubscrListUpdate applies a subscription list add/remove
// transaction idempotently by transaction number, always answered with a
// Confirm echoing that number.
func (l *Layer) handleSubscrListUpdate(info lowertransport.ControlRxInfo, remove bool) {
	ctx := l.contextForLPN(info.Src)
	if ctx == nil {
		return
	}
	upd, err := friendpdu.DecodeSubscrListUpdate(info.Payload)
	if err != nil {
		return
	}
	if !ctx.haveTransNum || ctx.lastTransNum != upd.TransNum {
		for _, addr := range upd.Addresses {
			if remove {
				ctx.removeSubscription(addr)
			} else {
				ctx.addSubscription(addr, l.subscrCap)
			}
		}
		ctx.lastTransNum = upd.TransNum
		ctx.haveTransNum = true
	}
	confirm := friendpdu.SubscrListConfirm{TransNum: upd.TransNum}.Encode()
	discard(l.sendControlTo(info.Src, info.NetKeyIndex, ctx.lpnAddr, friendpdu.OpcodeSubscrListConfirm, []byte{confirm}))
}

func (c *frContext) addSubscription(addr uint16, cap int) {
	for _, s := range c.subscriptions {
		if s == addr {
			return
		}
	}
	if len(c.subscriptions) >= cap {
		return
	}
	c.subscriptions = append(c.subscriptions, addr)
}

func (c *frContext) removeSubscription(addr uint16) {
	for i, s := range c.subscriptions {
		if s == addr {
			c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
			return
		}
	}
}

// HandleTimerExpired dispatches this role's own sched.TimerExpired
// messages (offer delay, establishment timeout, clear retransmit).
func (l *Layer) HandleTimerExpired(msg sched.TimerExpired) bool {
	ctx, ok := msg.SlotID.(*frContext)
	if !ok {
		return false
	}
	switch msg.Kind {
	case "FriendOfferDelay":
		if ctx.inUse && ctx.generation == msg.Generation && ctx.state == StateWaitRecvDelay {
			l.sendFriendOffer(ctx)
			ctx.state = StateWaitPoll
			ctx.pollTimer = sched.Schedule(l.loop, time.Second, ctx, ctx.generation, "FriendEstablishTimer")
		}
		return true
	case "FriendEstablishTimer":
		if ctx.inUse && ctx.generation == msg.Generation && ctx.state == StateWaitPoll {
			l.freeContext(ctx)
		}
		return true
	case "FriendClearRetry":
		if ctx.inUse && ctx.generation == msg.Generation && ctx.prevFriend != store.AddrUnassigned {
			ctx.clearElapsed += ctx.clearInterval
			ctx.clearInterval *= 2
			l.sendClear(ctx)
		}
		return true
	}
	return false
}
