// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package uppertransport implements the upper transport layer: Access
// PDU encrypt/decrypt with DeviceKey/AppKey selection, AES-CCM nonce
// construction, control-PDU opcode dispatch, and the heartbeat
// publish/subscribe state machine.
package uppertransport

import (
	"time"

	"meshcore/events"
	"meshcore/lowertransport"
	"meshcore/meshcrypto"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/wire/accpdu"
	"meshcore/wire/bitpack"
	"meshcore/wire/friendpdu"
	"meshcore/wire/segpdu"
)

// AccessMessage is a decrypted, opcode-framed Access PDU delivered to the
// model layer, which lives outside this core.
type AccessMessage struct {
	Src, Dst     uint16
	TTL          uint8
	NetKeyIndex  uint16
	AppKeyIndex  uint16
	UseDeviceKey bool
	Opcode       uint32
	Params       []byte
	IfaceID      int
}

// AccessSink receives decrypted access messages.
type AccessSink interface {
	HandleAccessMessage(AccessMessage)
}

// FriendshipSink receives every non-heartbeat, non-Segment-Ack control
// PDU: friendship request/offer/poll/clear/clear-confirm/update and
// subscription-list messages. The Friend and LPN roles implement it.
type FriendshipSink interface {
	HandleFriendshipPDU(lowertransport.ControlRxInfo)
}

// ControlTxInfo parameterizes a control-PDU send through the Lower
// Transport layer.
type ControlTxInfo struct {
	Src, Dst      uint16
	TTL           uint8
	NetKeyIndex   uint16
	FriendLpnAddr uint16
	IfaceID       int
	RequireAck    bool
}

// AccessTxInfo parameterizes an access-PDU send.
type AccessTxInfo struct {
	Src, Dst      uint16
	TTL           uint8
	NetKeyIndex   uint16
	AppKeyIndex   uint16
	UseDeviceKey  bool
	FriendLpnAddr uint16
	IfaceID       int
	LabelUUID     [16]byte // required when Dst is a virtual address
	SZMIC         bool     // request the 64-bit MIC (only takes effect if the PDU segments)
	RequireAck    bool
}

const hbPeriod = "HeartbeatPublishPeriod"

// Layer is the Upper Transport layer.
type Layer struct {
	store   *store.Store
	loop    *sched.Loop
	lowerTx *lowertransport.Layer
	events  events.Sink

	accessSink     AccessSink
	friendshipSink FriendshipSink

	hbPubTimer *sched.Timer
	hbPubGen   uint64

	hbSubTimer       *sched.Timer
	hbSubGen         uint64
	hbSubDirty       bool
	latestHBFeatures uint16
	latestHBHops     uint8
}

// New constructs an Upper Transport layer.
func New(st *store.Store, loop *sched.Loop, lowerTx *lowertransport.Layer, sink events.Sink) *Layer {
	return &Layer{store: st, loop: loop, lowerTx: lowerTx, events: sink}
}

// SetAccessSink wires the model dispatcher.
func (l *Layer) SetAccessSink(s AccessSink) { l.accessSink = s }

// SetFriendshipSink wires the Friend/LPN role's control-PDU dispatcher.
func (l *Layer) SetFriendshipSink(s FriendshipSink) { l.friendshipSink = s }

// HandleAccessPDU implements lowertransport.AccessSink.
func (l *Layer) HandleAccessPDU(info lowertransport.AccessRxInfo) {
	micSize := 4
	if info.SZMIC {
		micSize = 8
	}
	if len(info.Payload) <= micSize {
		return
	}
	ciphertext := info.Payload

	var aad []byte
	if store.ClassifyAddress(info.Dst) == store.KindVirtual {
		label, ok := l.store.LabelUUIDForVirtual(info.Dst)
		if !ok {
			return
		}
		aad = label[:]
	}

	if !info.AKF {
		nonce := meshcrypto.BuildNonce(meshcrypto.NonceTypeDevice, info.SZMIC, info.Seq, info.Src, info.Dst, info.IVIndex)
		dk := l.store.DeviceKey()
		plain, err := meshcrypto.CCMDecrypt(dk[:], nonce, ciphertext, aad, micSize)
		if err != nil {
			return
		}
		l.deliverAccess(info, plain, 0, true)
		return
	}

	for _, akIdx := range l.store.AppKeyIndexesFor(info.NetKeyIndex) {
		ak, err := l.store.AppKey(akIdx)
		if err != nil {
			continue
		}
		candidates := [][16]byte{ak.Old}
		if ak.HasNew {
			candidates = append(candidates, ak.New)
		}
		for _, key := range candidates {
			aid, err := meshcrypto.K4(key[:])
			if err != nil || aid != info.AID {
				continue
			}
			nonce := meshcrypto.BuildNonce(meshcrypto.NonceTypeApp, info.SZMIC, info.Seq, info.Src, info.Dst, info.IVIndex)
			plain, err := meshcrypto.CCMDecrypt(key[:], nonce, ciphertext, aad, micSize)
			if err != nil {
				continue
			}
			l.deliverAccess(info, plain, akIdx, false)
			return
		}
	}
}

func (l *Layer) deliverAccess(info lowertransport.AccessRxInfo, plain []byte, appKeyIndex uint16, deviceKey bool) {
	if l.accessSink == nil {
		return
	}
	opcode, params, err := accpdu.DecodeOpcode(plain)
	if err != nil {
		return
	}
	l.accessSink.HandleAccessMessage(AccessMessage{
		Src: info.Src, Dst: info.Dst, TTL: info.TTL, NetKeyIndex: info.NetKeyIndex,
		AppKeyIndex: appKeyIndex, UseDeviceKey: deviceKey, Opcode: opcode, Params: params, IfaceID: info.IfaceID,
	})
}

// SendAccess encrypts opcode||params and transmits it.
func (l *Layer) SendAccess(info AccessTxInfo, opcode uint32, params []byte) error {
	opBytes, err := accpdu.EncodeOpcode(opcode)
	if err != nil {
		return err
	}
	plain := make([]byte, 0, len(opBytes)+len(params))
	plain = append(plain, opBytes...)
	plain = append(plain, params...)

	var aad []byte
	if store.ClassifyAddress(info.Dst) == store.KindVirtual {
		aad = info.LabelUUID[:]
	}

	// The true SEQ is only known once the Lower Transport layer allocates
	// it; access-layer encryption nonces, however, are keyed by the same
	// SEQ used on the wire, so the SEQ must be drawn here and threaded
	// through as a pre-allocated value (mirrors netlayer.SendWithSeq).
	seq, err := l.store.NextSeq(info.Src)
	if err != nil {
		if l.events != nil && err == store.ErrSeqExhausted {
			l.events.Notify(events.SeqExhausted{ElementAddr: info.Src})
		}
		return err
	}

	var key [16]byte
	var aid uint8
	var akf bool
	nonceType := byte(meshcrypto.NonceTypeDevice)
	if info.UseDeviceKey {
		key = l.store.DeviceKey()
	} else {
		ak, err := l.store.AppKey(info.AppKeyIndex)
		if err != nil {
			return err
		}
		nk, err := l.store.NetKey(info.NetKeyIndex)
		if err != nil {
			return err
		}
		useNew := ak.HasNew && (nk.Phase == store.PhasePhase2 || nk.Phase == store.PhasePhase3)
		key = ak.Old
		if useNew {
			key = ak.New
		}
		aid, err = meshcrypto.K4(key[:])
		if err != nil {
			return err
		}
		akf = true
		nonceType = meshcrypto.NonceTypeApp
	}

	// ASZMIC (the long-MIC request) only takes effect if the PDU ends up
	// segmented; an unsegmented access PDU always carries a 32-bit MIC.
	micSize := 4
	if info.SZMIC && (info.RequireAck || len(plain)+4 > segpdu.UnsegmentedAccessCapacity) {
		micSize = 8
	}
	szmic := micSize == 8
	nonce := meshcrypto.BuildNonce(nonceType, szmic, seq, info.Src, info.Dst, l.store.IVIndex())
	sealed, err := meshcrypto.CCMEncrypt(key[:], nonce, plain, aad, micSize)
	if err != nil {
		return err
	}

	return l.lowerTx.SendEncrypted(lowertransport.TxInfo{
		Src: info.Src, Dst: info.Dst, TTL: info.TTL, NetKeyIndex: info.NetKeyIndex,
		FriendLpnAddr: info.FriendLpnAddr, IfaceID: info.IfaceID,
		IsControl: false, AKF: akf, AID: aid, SZMIC: szmic, RequireAck: info.RequireAck,
	}, seq, sealed)
}

// SendControl transmits a control PDU (friendship message or heartbeat).
func (l *Layer) SendControl(info ControlTxInfo, opcode uint8, payload []byte) error {
	return l.lowerTx.Send(lowertransport.TxInfo{
		Src: info.Src, Dst: info.Dst, TTL: info.TTL, NetKeyIndex: info.NetKeyIndex,
		FriendLpnAddr: info.FriendLpnAddr, IfaceID: info.IfaceID,
		IsControl: true, Opcode: opcode, RequireAck: info.RequireAck,
	}, payload)
}

// HandleControlPDU implements lowertransport.ControlSink, dispatching
// every control PDU by its opcode.
func (l *Layer) HandleControlPDU(info lowertransport.ControlRxInfo) {
	if info.Opcode == friendpdu.OpcodeHeartbeat {
		l.handleHeartbeatRx(info)
		return
	}
	if l.friendshipSink != nil {
		l.friendshipSink.HandleFriendshipPDU(info)
	}
}

// heartbeatPayloadLen is InitTTL(7b)||RFU(1b)||Features(16b), 3 octets.
const heartbeatPayloadLen = 3

func encodeHeartbeat(initTTL uint8, features uint16) []byte {
	buf := make([]byte, heartbeatPayloadLen)
	_ = bitpack.PackUint(buf[0:1], 0, 7, uint32(initTTL))
	buf[1] = byte(features >> 8)
	buf[2] = byte(features)
	return buf
}

func decodeHeartbeat(buf []byte) (initTTL uint8, features uint16, ok bool) {
	if len(buf) < heartbeatPayloadLen {
		return 0, 0, false
	}
	v, err := bitpack.UnpackUint(buf[0:1], 0, 7)
	if err != nil {
		return 0, 0, false
	}
	return uint8(v), uint16(buf[1])<<8 | uint16(buf[2]), true
}

// handleHeartbeatRx applies the heartbeat subscriber update rule
// (CountReceived, MinHops, MaxHops) and debounces the surfaced event to
// once per subscription period (HeartbeatSub().PeriodLog) rather than
// firing on every heartbeat.
func (l *Layer) handleHeartbeatRx(info lowertransport.ControlRxInfo) {
	sub := l.store.HeartbeatSub()
	if sub.Source == store.AddrUnassigned || info.Src != sub.Source || info.Dst != sub.Destination {
		return
	}
	initTTL, features, ok := decodeHeartbeat(info.Payload)
	if !ok {
		return
	}
	hops := uint8(1)
	if initTTL >= info.TTL {
		hops = initTTL - info.TTL + 1
	}
	sub.CountReceived++
	if sub.CountReceived == 1 || hops < sub.MinHops {
		sub.MinHops = hops
	}
	if sub.CountReceived == 1 || hops > sub.MaxHops {
		sub.MaxHops = hops
	}
	l.hbSubDirty = true
	l.latestHBFeatures = features
	l.latestHBHops = hops

	if sub.PeriodLog != 0 && l.hbSubTimer == nil {
		l.scheduleHBSubFlush(sub.PeriodLog)
	}
}

func (l *Layer) scheduleHBSubFlush(periodLog uint8) {
	l.hbSubGen++
	l.hbSubTimer = sched.Schedule(l.loop, heartbeatPeriod(periodLog), l, l.hbSubGen, "HeartbeatSubFlush")
}

// heartbeatPeriod converts a periodLog value to its wall-clock period,
// 2^(periodLog-1) seconds.
func heartbeatPeriod(periodLog uint8) time.Duration {
	if periodLog == 0 {
		return 0
	}
	return time.Duration(1) << (periodLog - 1) * time.Second
}

// StartHeartbeatPublish (re)starts the publication timer from the current
// store.HeartbeatPub() configuration; callers invoke this after any
// configuration change to the publication state.
func (l *Layer) StartHeartbeatPublish() {
	if l.hbPubTimer != nil {
		l.hbPubTimer.Cancel()
		l.hbPubTimer = nil
	}
	pub := l.store.HeartbeatPub()
	if !pub.Enabled() {
		return
	}
	if pub.RemainingCount == 0 && pub.CountLog != 0xFF {
		pub.RemainingCount = countFromLog(pub.CountLog)
	}
	l.hbPubGen++
	l.hbPubTimer = sched.Schedule(l.loop, heartbeatPeriod(pub.PeriodLog), l, l.hbPubGen, hbPeriod)
}

// countFromLog maps countLog to a remaining-message count. 0xFF means
// indefinite and is handled separately by never decrementing to zero.
func countFromLog(countLog uint8) uint16 {
	if countLog == 0xFF {
		return 0xFFFF
	}
	return uint16(1) << countLog >> 1
}

// NotifyFeatureChanged emits an out-of-cycle heartbeat when changedBit is
// set in the publication's configured feature mask. Feature-change
// triggered publications are emitted outside the regular period.
func (l *Layer) NotifyFeatureChanged(changedBit uint16) {
	pub := l.store.HeartbeatPub()
	if !pub.Enabled() || pub.Features&changedBit == 0 {
		return
	}
	l.emitHeartbeat(pub)
}

func (l *Layer) emitHeartbeat(pub *store.HeartbeatPublication) {
	payload := encodeHeartbeat(pub.TTL, pub.Features)
	_ = l.SendControl(ControlTxInfo{
		Src: l.store.PrimaryAddr(), Dst: pub.Destination, TTL: pub.TTL, NetKeyIndex: pub.NetKeyIndex,
	}, friendpdu.OpcodeHeartbeat, payload)
	if pub.CountLog != 0xFF && pub.RemainingCount > 0 {
		pub.RemainingCount--
	}
}

// HandleTimerExpired dispatches this layer's own sched.TimerExpired
// messages (heartbeat publish period, subscription debounce flush).
func (l *Layer) HandleTimerExpired(msg sched.TimerExpired) bool {
	owner, ok := msg.SlotID.(*Layer)
	if !ok || owner != l {
		return false
	}
	switch msg.Kind {
	case hbPeriod:
		if msg.Generation != l.hbPubGen {
			return true
		}
		pub := l.store.HeartbeatPub()
		if !pub.Enabled() || (pub.CountLog != 0xFF && pub.RemainingCount == 0) {
			l.hbPubTimer = nil
			return true
		}
		l.emitHeartbeat(pub)
		if pub.CountLog != 0xFF && pub.RemainingCount == 0 {
			l.hbPubTimer = nil
			return true
		}
		l.hbPubTimer = sched.Schedule(l.loop, heartbeatPeriod(pub.PeriodLog), l, l.hbPubGen, hbPeriod)
		return true
	case "HeartbeatSubFlush":
		if msg.Generation != l.hbSubGen {
			return true
		}
		sub := l.store.HeartbeatSub()
		if l.hbSubDirty && l.events != nil {
			l.events.Notify(events.HeartbeatInfo{
				Src: sub.Source, Dst: sub.Destination, Hops: l.latestHBHops,
				MinHops: sub.MinHops, MaxHops: sub.MaxHops, Features: l.latestHBFeatures,
			})
			l.hbSubDirty = false
		}
		if sub.PeriodLog != 0 {
			l.scheduleHBSubFlush(sub.PeriodLog)
		} else {
			l.hbSubTimer = nil
		}
		return true
	}
	return false
}
