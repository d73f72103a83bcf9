// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package lpn implements the Low Power Node role: friendship
// establishment from the requesting side, poll cadence, subscription
// synchronization, and termination.
package lpn

import (
	"time"

	"meshcore/events"
	"meshcore/lowertransport"
	"meshcore/meshcrypto"
	"meshcore/netlayer"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/wire/friendpdu"
)

// State is one subnet friendship's place in the LPN-side state machine:
// Idle -> WaitFriendOffer -> WaitFriendUpdate -> Established. Once
// established the context stays in Established: there is no separate
// wait-for-message state, and StateWaitFriendSubscrCnf is declared but
// never entered (an outstanding subscription transaction is tracked by
// awaitingBatch instead).
type State int

const (
	StateIdle State = iota
	StateWaitFriendOffer
	StateWaitFriendUpdate
	StateEstablished
	StateWaitFriendSubscrCnf
)

const (
	offerReceiveDelay = 100 * time.Millisecond
	offerWindow       = time.Second

	establishRetryCount = 4
	pollRetryCount      = 4

	subscrBatchSize = 5
)

// PollTimeout bounds in 100 ms units (glossary "PollTimeout").
const (
	minPollTimeout uint32 = 10
	maxPollTimeout uint32 = 0x34BBFF
)

type pendingSubscr struct {
	remove bool
	addr   uint16
}

// subnetContext is one subnet's LPN friendship state.
type subnetContext struct {
	netKeyIndex uint16
	generation  uint64
	state       State

	establishAttempt int
	lpnCounter       uint16
	criteria         byte
	recvDelay        uint8
	pollTimeout      uint32

	friendAddr    uint16
	friendCounter uint16
	recvWindow    uint8
	cred          *meshcrypto.K2Material

	fsn         bool
	pollRetries int

	pendingSubscr []pendingSubscr
	transNum      uint8
	awaitingBatch []uint16

	bestOffer *offerCandidate

	offerTimer   *sched.Timer
	windowTimer  *sched.Timer
	retryTimer   *sched.Timer
}

type offerCandidate struct {
	friendAddr    uint16
	friendCounter uint16
	recvWindow    uint8
	rssi          int8
}

// Layer is the LPN role.
type Layer struct {
	store   *store.Store
	loop    *sched.Loop
	netTx   *netlayer.Layer
	lowerTx *lowertransport.Layer
	events  events.Sink

	minQueueSizeLog uint8
	ownCriteria     byte

	contexts   []subnetContext
	generation uint64
}

// New constructs an LPN role. minQueueSizeLog is the minimum advertised
// Friend Queue capacity (as a log2 exponent) this node will accept an
// offer from; ownCriteria is the Criteria byte advertised with every
// Friend-Request (recvWinFactor/rssiFactor encoded per friend.decodeCriteria's
// layout).
func New(st *store.Store, loop *sched.Loop, netTx *netlayer.Layer, lowerTx *lowertransport.Layer,
	sink events.Sink, numSubnets int, minQueueSizeLog uint8, ownCriteria byte) *Layer {
	contexts := make([]subnetContext, numSubnets)
	return &Layer{
		store: st, loop: loop, netTx: netTx, lowerTx: lowerTx, events: sink,
		minQueueSizeLog: minQueueSizeLog, ownCriteria: ownCriteria,
		contexts: contexts,
	}
}

func (l *Layer) nextGeneration() uint64 {
	l.generation++
	return l.generation
}

func discard(error) {}

func (l *Layer) contextFor(netKeyIndex uint16, create bool) *subnetContext {
	for i := range l.contexts {
		ctx := &l.contexts[i]
		if ctx.state != StateIdle && ctx.netKeyIndex == netKeyIndex {
			return ctx
		}
	}
	if !create {
		return nil
	}
	for i := range l.contexts {
		if l.contexts[i].state == StateIdle {
			return &l.contexts[i]
		}
	}
	return nil
}

// StartFriendship begins friendship establishment on the given subnet.
// It is the node-wiring entry point for Friend selection.
func (l *Layer) StartFriendship(netKeyIndex uint16) {
	ctx := l.contextFor(netKeyIndex, true)
	if ctx == nil {
		return
	}
	*ctx = subnetContext{netKeyIndex: netKeyIndex}
	l.beginEstablishAttempt(ctx)
}

func (l *Layer) beginEstablishAttempt(ctx *subnetContext) {
	ctx.generation = l.nextGeneration()
	ctx.state = StateWaitFriendOffer
	ctx.lpnCounter++
	ctx.bestOffer = nil

	// pollTimeout must comfortably exceed sleep + (retries+1)*(recvDelay +
	// recvWinMax); recvWinMax is assumed as 255 ms, the field's maximum
	// representable value.
	const recvDelayMS = 10
	const recvWinMaxMS = 255
	const sleepMS = 1000
	totalMS := sleepMS + (pollRetryCount+1)*(recvDelayMS+recvWinMaxMS)
	ctx.recvDelay = recvDelayMS
	ctx.pollTimeout = uint32(totalMS / 100)
	if ctx.pollTimeout < minPollTimeout {
		ctx.pollTimeout = minPollTimeout
	}

	req := friendpdu.FriendRequest{
		Criteria:    l.ownCriteria,
		RecvDelay:   ctx.recvDelay,
		PollTimeout: ctx.pollTimeout,
		PrevAddr:    ctx.friendAddr,
		NumElements: uint8(l.store.ElementCount()),
		LPNCounter:  ctx.lpnCounter,
	}
	payload, err := req.Encode()
	if err != nil {
		return
	}
	discard(l.lowerTx.Send(lowertransport.TxInfo{
		Src: l.store.PrimaryAddr(), Dst: addrAllFriends, TTL: l.store.DefaultTTL(),
		NetKeyIndex: ctx.netKeyIndex, IsControl: true, Opcode: friendpdu.OpcodeFriendRequest,
	}, payload))

	ctx.offerTimer = sched.Schedule(l.loop, offerReceiveDelay, ctx, ctx.generation, "LpnOfferReceiveDelay")
}

// addrAllFriends is the fixed group address Friend-Requests are broadcast
// to.
const addrAllFriends uint16 = 0xFFFD

// HandleFriendshipPDU implements uppertransport.FriendshipSink.
func (l *Layer) HandleFriendshipPDU(info lowertransport.ControlRxInfo) {
	switch info.Opcode {
	case friendpdu.OpcodeFriendOffer:
		l.handleFriendOffer(info)
	case friendpdu.OpcodeFriendUpdate:
		l.handleFriendUpdate(info)
	case friendpdu.OpcodeSubscrListConfirm:
		l.handleSubscrConfirm(info)
	}
}

func (l *Layer) handleFriendOffer(info lowertransport.ControlRxInfo) {
	ctx := l.contextFor(info.NetKeyIndex, false)
	if ctx == nil || ctx.state != StateWaitFriendOffer {
		return
	}
	offer, err := friendpdu.DecodeFriendOffer(info.Payload)
	if err != nil {
		return
	}
	if uint32(offer.QueueSize) < uint32(1)<<l.minQueueSizeLog {
		return // advertised Friend Queue smaller than this node accepts
	}
	cand := offerCandidate{friendAddr: info.Src, friendCounter: offer.FriendCounter, recvWindow: offer.ReceiveWindow, rssi: info.RSSI}
	if l.betterOffer(cand, ctx.bestOffer) {
		ctx.bestOffer = &cand
	}
}

// betterOffer implements the tie-break order preserved from the original
// implementation's offer-selection routine: prefer the smaller advertised
// ReceiveWindow, falling back to RSSI.
func (l *Layer) betterOffer(cand offerCandidate, best *offerCandidate) bool {
	if best == nil {
		return true
	}
	if cand.recvWindow != best.recvWindow {
		return cand.recvWindow < best.recvWindow
	}
	return cand.rssi > best.rssi
}

// HandleTimerExpired dispatches this role's own sched.TimerExpired
// messages.
func (l *Layer) HandleTimerExpired(msg sched.TimerExpired) bool {
	ctx, ok := msg.SlotID.(*subnetContext)
	if !ok {
		return false
	}
	if ctx.generation != msg.Generation {
		return true
	}
	switch msg.Kind {
	case "LpnOfferReceiveDelay":
		l.onOfferWindowOpen(ctx)
		return true
	case "LpnOfferWindowClose":
		l.onOfferWindowClose(ctx)
		return true
	case "LpnPollTimer":
		l.sendPoll(ctx)
		return true
	case "LpnReceiveWindowClose":
		l.onReceiveWindowClose(ctx)
		return true
	}
	return false
}

func (l *Layer) onOfferWindowOpen(ctx *subnetContext) {
	ctx.windowTimer = sched.Schedule(l.loop, offerWindow, ctx, ctx.generation, "LpnOfferWindowClose")
}

func (l *Layer) onOfferWindowClose(ctx *subnetContext) {
	if ctx.bestOffer == nil {
		ctx.establishAttempt++
		if ctx.establishAttempt >= establishRetryCount {
			l.terminate(ctx)
			return
		}
		l.beginEstablishAttempt(ctx)
		return
	}

	nk, err := l.store.NetKey(ctx.netKeyIndex)
	if err != nil {
		l.terminate(ctx)
		return
	}
	useNew := nk.Phase == store.PhasePhase2 || nk.Phase == store.PhasePhase3
	key := nk.Old[:]
	if useNew {
		key = nk.New[:]
	}
	cred, err := meshcrypto.K2(key, []byte{0x01})
	if err != nil {
		l.terminate(ctx)
		return
	}

	ctx.friendAddr = ctx.bestOffer.friendAddr
	ctx.friendCounter = ctx.bestOffer.friendCounter
	ctx.recvWindow = ctx.bestOffer.recvWindow
	ctx.cred = cred
	ctx.state = StateWaitFriendUpdate
	ctx.pollRetries = 0
	l.sendPoll(ctx)
}

func (l *Layer) sendPoll(ctx *subnetContext) {
	payload := []byte{friendpdu.FriendPoll{FSN: ctx.fsn}.Encode()}
	discard(l.lowerTx.Send(lowertransport.TxInfo{
		Src: l.store.PrimaryAddr(), Dst: ctx.friendAddr, TTL: l.store.DefaultTTL(),
		NetKeyIndex: ctx.netKeyIndex, FriendLpnAddr: l.store.PrimaryAddr(), IsControl: true,
		Opcode: friendpdu.OpcodeFriendPoll,
	}, payload))
	window := time.Duration(ctx.recvDelay)*time.Millisecond + time.Duration(ctx.recvWindow)*time.Millisecond
	ctx.windowTimer = sched.Schedule(l.loop, window, ctx, ctx.generation, "LpnReceiveWindowClose")
}

func (l *Layer) onReceiveWindowClose(ctx *subnetContext) {
	ctx.pollRetries++
	if ctx.pollRetries > pollRetryCount {
		l.terminate(ctx)
		return
	}
	l.sendPoll(ctx)
}

func (l *Layer) handleFriendUpdate(info lowertransport.ControlRxInfo) {
	ctx := l.contextFor(info.NetKeyIndex, false)
	if ctx == nil || info.Src != ctx.friendAddr {
		return
	}
	upd, err := friendpdu.DecodeFriendUpdate(info.Payload)
	if err != nil {
		return
	}
	if ctx.windowTimer != nil {
		ctx.windowTimer.Cancel()
		ctx.windowTimer = nil
	}

	wasEstablishing := ctx.state == StateWaitFriendUpdate
	ctx.state = StateEstablished
	ctx.fsn = !ctx.fsn
	ctx.pollRetries = 0
	if wasEstablishing {
		l.events.Notify(events.LpnFriendshipEstablished{NetKeyIndex: ctx.netKeyIndex})
		l.flushPendingSubscriptions(ctx)
	}

	if upd.MD {
		l.sendPoll(ctx)
	} else {
		ctx.retryTimer = sched.Schedule(l.loop, time.Duration(ctx.pollTimeout)*100*time.Millisecond, ctx, ctx.generation, "LpnPollTimer")
	}
}

// NotifySubscriptionChange enqueues an Add/Remove transaction for every
// established friendship on netKeyIndex. Called by node wiring after a
// local subscription-list edit.
func (l *Layer) NotifySubscriptionChange(netKeyIndex uint16, addr uint16, remove bool) {
	ctx := l.contextFor(netKeyIndex, false)
	if ctx == nil {
		return
	}
	ctx.pendingSubscr = append(ctx.pendingSubscr, pendingSubscr{remove: remove, addr: addr})
	if ctx.state == StateEstablished && len(ctx.awaitingBatch) == 0 {
		l.flushPendingSubscriptions(ctx)
	}
}

func (l *Layer) flushPendingSubscriptions(ctx *subnetContext) {
	if len(ctx.pendingSubscr) == 0 || len(ctx.awaitingBatch) != 0 {
		return
	}
	batch := ctx.pendingSubscr
	if len(batch) > subscrBatchSize {
		batch = batch[:subscrBatchSize]
	}
	remove := batch[0].remove
	var addrs []uint16
	n := 0
	for _, p := range batch {
		if p.remove != remove {
			break
		}
		addrs = append(addrs, p.addr)
		n++
	}

	upd := friendpdu.SubscrListUpdate{TransNum: ctx.transNum, Addresses: addrs}
	opcode := uint8(friendpdu.OpcodeSubscrListAdd)
	if remove {
		opcode = friendpdu.OpcodeSubscrListRemove
	}
	discard(l.lowerTx.Send(lowertransport.TxInfo{
		Src: l.store.PrimaryAddr(), Dst: ctx.friendAddr, TTL: l.store.DefaultTTL(),
		NetKeyIndex: ctx.netKeyIndex, FriendLpnAddr: l.store.PrimaryAddr(), IsControl: true,
		Opcode: opcode,
	}, upd.Encode()))
	ctx.awaitingBatch = addrs
	ctx.pendingSubscr = ctx.pendingSubscr[n:]
}

func (l *Layer) handleSubscrConfirm(info lowertransport.ControlRxInfo) {
	ctx := l.contextFor(info.NetKeyIndex, false)
	if ctx == nil || info.Src != ctx.friendAddr || len(info.Payload) == 0 {
		return
	}
	confirm := friendpdu.DecodeSubscrListConfirm(info.Payload[0])
	if confirm.TransNum != ctx.transNum {
		return
	}
	ctx.transNum++
	ctx.awaitingBatch = nil
	l.flushPendingSubscriptions(ctx)
}

// Terminate ends the friendship on netKeyIndex explicitly.
func (l *Layer) Terminate(netKeyIndex uint16) {
	ctx := l.contextFor(netKeyIndex, false)
	if ctx != nil {
		l.terminate(ctx)
	}
}

// NotifyNetKeyDeleted tears down any friendship on a NetKey that was just
// deleted from the store.
func (l *Layer) NotifyNetKeyDeleted(netKeyIndex uint16) {
	l.Terminate(netKeyIndex)
}

func (l *Layer) terminate(ctx *subnetContext) {
	if ctx.offerTimer != nil {
		ctx.offerTimer.Cancel()
	}
	if ctx.windowTimer != nil {
		ctx.windowTimer.Cancel()
	}
	if ctx.retryTimer != nil {
		ctx.retryTimer.Cancel()
	}
	if ctx.friendAddr != store.AddrUnassigned {
		payload := friendpdu.FriendClear{LPNAddr: l.store.PrimaryAddr(), LPNCounter: ctx.lpnCounter}.Encode()
		discard(l.lowerTx.Send(lowertransport.TxInfo{
			Src: l.store.PrimaryAddr(), Dst: ctx.friendAddr, TTL: l.store.DefaultTTL(),
			NetKeyIndex: ctx.netKeyIndex, IsControl: true, Opcode: friendpdu.OpcodeFriendClear,
		}, payload))
	}
	netKeyIndex := ctx.netKeyIndex
	*ctx = subnetContext{}
	l.events.Notify(events.LpnFriendshipTerminated{NetKeyIndex: netKeyIndex})
}
