// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.
package uppertransport

import (
	"testing"

	"meshcore/bearer"
	"meshcore/config"
	"meshcore/lowertransport"
	"meshcore/meshcrypto"
	"meshcore/netlayer"
	"meshcore/replay"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/wire/accpdu"
)

type noopEgress struct{}

func (noopEgress) Send(ifaceID int, pdu []byte, priority bearer.Priority, hint bearer.CredentialsHint) error {
	return nil
}

type captureAccessSink struct{ got []AccessMessage }

func (s *captureAccessSink) HandleAccessMessage(m AccessMessage) { s.got = append(s.got, m) }

func newTestLayer(t *testing.T) (*Layer, *store.Store) {
	t.Helper()
	boot := config.DefaultBoot()
	st := store.New(boot, 0x0001, nil)
	rpl := replay.NewRPL(boot.RpListSize)
	history := replay.NewHistory(boot.SarRxTranHistorySize)
	loop := sched.NewLoop(64, func(sched.Msg) {})
	netTx := netlayer.New(st, rpl, noopEgress{}, nil, boot.NwkCacheL1Size, boot.NwkCacheL2Size)
	lowerTx := lowertransport.New(st, history, loop, netTx, nil, boot.SarRxTranInfoSize)
	netTx.SetRxSink(lowerTx)
	l := New(st, loop, lowerTx, nil)
	lowerTx.SetAccessSink(l)
	return l, st
}

func TestHandleAccessPDUDecryptsWithDeviceKey(t *testing.T) {
	l, st := newTestLayer(t)
	sink := &captureAccessSink{}
	l.SetAccessSink(sink)

	dk := st.DeviceKey()
	opBytes, err := accpdu.EncodeOpcode(0x01)
	if err != nil {
		t.Fatalf("EncodeOpcode: %v", err)
	}
	plain := append(opBytes, []byte{0xAA, 0xBB}...)
	nonce := meshcrypto.BuildNonce(meshcrypto.NonceTypeDevice, false, 7, 0x0020, 0x0001, 0)
	sealed, err := meshcrypto.CCMEncrypt(dk[:], nonce, plain, nil, 4)
	if err != nil {
		t.Fatalf("CCMEncrypt: %v", err)
	}

	l.HandleAccessPDU(lowertransport.AccessRxInfo{
		Src: 0x0020, Dst: 0x0001, Seq: 7, AKF: false, Payload: sealed,
	})

	if len(sink.got) != 1 {
		t.Fatalf("expected one decrypted access message, got %d", len(sink.got))
	}
	if sink.got[0].Opcode != 0x01 || !sink.got[0].UseDeviceKey {
		t.Errorf("unexpected decrypted message: %+v", sink.got[0])
	}
	if string(sink.got[0].Params) != "\xAA\xBB" {
		t.Errorf("unexpected params: %x", sink.got[0].Params)
	}
}

func TestHandleAccessPDUSelectsAppKeyByAID(t *testing.T) {
	l, st := newTestLayer(t)
	if err := st.AddNetKey(0, [16]byte{0x11, 0x22}); err != nil {
		t.Fatalf("AddNetKey: %v", err)
	}
	if err := st.AddAppKey(0, 0, [16]byte{0x33, 0x44}); err != nil {
		t.Fatalf("AddAppKey: %v", err)
	}
	if err := st.AddAppKey(1, 0, [16]byte{0x55, 0x66}); err != nil {
		t.Fatalf("AddAppKey: %v", err)
	}
	sink := &captureAccessSink{}
	l.SetAccessSink(sink)

	ak1, err := st.AppKey(1)
	if err != nil {
		t.Fatalf("AppKey: %v", err)
	}
	aid, err := meshcrypto.K4(ak1.Old[:])
	if err != nil {
		t.Fatalf("K4: %v", err)
	}

	opBytes, err := accpdu.EncodeOpcode(0x02)
	if err != nil {
		t.Fatalf("EncodeOpcode: %v", err)
	}
	plain := append(opBytes, []byte{0x01}...)
	nonce := meshcrypto.BuildNonce(meshcrypto.NonceTypeApp, false, 9, 0x0021, 0x0001, 0)
	sealed, err := meshcrypto.CCMEncrypt(ak1.Old[:], nonce, plain, nil, 4)
	if err != nil {
		t.Fatalf("CCMEncrypt: %v", err)
	}

	l.HandleAccessPDU(lowertransport.AccessRxInfo{
		Src: 0x0021, Dst: 0x0001, Seq: 9, NetKeyIndex: 0, AKF: true, AID: aid, Payload: sealed,
	})

	if len(sink.got) != 1 {
		t.Fatalf("expected one decrypted access message, got %d", len(sink.got))
	}
	if sink.got[0].AppKeyIndex != 1 || sink.got[0].UseDeviceKey {
		t.Errorf("expected AppKeyIndex 1 (the AID match) to have been selected, got %+v", sink.got[0])
	}
}

// loopbackEgress feeds every transmitted PDU into a second node's network
// layer. That node holds the same keys and primary address, so a
// self-addressed (src==dst) SendAccess/HandleAccessPDU round trip can be
// observed without reimplementing the wire crypto in the test. The sending
// network layer caches every PDU it transmits and would drop its own echo.
type loopbackEgress struct{ net *netlayer.Layer }

func (e *loopbackEgress) Send(ifaceID int, pdu []byte, priority bearer.Priority, hint bearer.CredentialsHint) error {
	e.net.Deliver(ifaceID, pdu, 0)
	return nil
}

func TestSendAccessRoundTripsThroughTheWireEncoding(t *testing.T) {
	boot := config.DefaultBoot()
	st := store.New(boot, 0x0001, nil)
	if err := st.AddNetKey(0, [16]byte{0x11, 0x22}); err != nil {
		t.Fatalf("AddNetKey: %v", err)
	}
	if err := st.AddAppKey(0, 0, [16]byte{0x33, 0x44}); err != nil {
		t.Fatalf("AddAppKey: %v", err)
	}
	rpl := replay.NewRPL(boot.RpListSize)
	history := replay.NewHistory(boot.SarRxTranHistorySize)
	loop := sched.NewLoop(64, func(sched.Msg) {})
	eg := &loopbackEgress{}
	netTx := netlayer.New(st, rpl, eg, nil, boot.NwkCacheL1Size, boot.NwkCacheL2Size)
	lowerTx := lowertransport.New(st, history, loop, netTx, nil, boot.SarRxTranInfoSize)
	netTx.SetRxSink(lowerTx)
	l := New(st, loop, lowerTx, nil)
	lowerTx.SetAccessSink(l)

	rst := store.New(boot, 0x0001, nil)
	if err := rst.AddNetKey(0, [16]byte{0x11, 0x22}); err != nil {
		t.Fatalf("receiver AddNetKey: %v", err)
	}
	if err := rst.AddAppKey(0, 0, [16]byte{0x33, 0x44}); err != nil {
		t.Fatalf("receiver AddAppKey: %v", err)
	}
	rxNet := netlayer.New(rst, replay.NewRPL(boot.RpListSize), noopEgress{}, nil, boot.NwkCacheL1Size, boot.NwkCacheL2Size)
	eg.net = rxNet
	rxLower := lowertransport.New(rst, replay.NewHistory(boot.SarRxTranHistorySize), loop, rxNet, nil, boot.SarRxTranInfoSize)
	rxNet.SetRxSink(rxLower)
	receiver := New(rst, loop, rxLower, nil)
	rxLower.SetAccessSink(receiver)

	sink := &captureAccessSink{}
	receiver.SetAccessSink(sink)

	if err := l.SendAccess(AccessTxInfo{Src: 0x0001, Dst: 0x0001, NetKeyIndex: 0, AppKeyIndex: 0}, 0x03, []byte{0x42}); err != nil {
		t.Fatalf("SendAccess: %v", err)
	}

	if len(sink.got) != 1 {
		t.Fatalf("expected the self-addressed access message to round-trip back in, got %d deliveries", len(sink.got))
	}
	if sink.got[0].Opcode != 0x03 || string(sink.got[0].Params) != "\x42" {
		t.Errorf("unexpected round-tripped message: %+v", sink.got[0])
	}
}

func TestHeartbeatPublishIsEnabledOnlyWithDestinationAndNonZeroLogs(t *testing.T) {
	_, st := newTestLayer(t)
	pub := st.HeartbeatPub()
	if pub.Enabled() {
		t.Fatalf("expected a zero-value publication to be disabled")
	}
	pub.Destination = 0x0040
	pub.PeriodLog = 3
	pub.CountLog = 5
	if !pub.Enabled() {
		t.Errorf("expected publication to be enabled once destination/periodLog/countLog are all set")
	}
}

func TestNotifyFeatureChangedDecrementsRemainingCount(t *testing.T) {
	l, st := newTestLayer(t)
	pub := st.HeartbeatPub()
	pub.Destination = 0x0040
	pub.PeriodLog = 3
	pub.CountLog = 5
	pub.Features = 0x0001
	pub.RemainingCount = 4

	l.NotifyFeatureChanged(0x0001)

	if pub.RemainingCount != 3 {
		t.Errorf("expected RemainingCount to decrement from 4 to 3, got %d", pub.RemainingCount)
	}
}

func TestNotifyFeatureChangedIgnoredWhenBitNotPublished(t *testing.T) {
	l, st := newTestLayer(t)
	pub := st.HeartbeatPub()
	pub.Destination = 0x0040
	pub.PeriodLog = 3
	pub.CountLog = 5
	pub.Features = 0x0002
	pub.RemainingCount = 4

	l.NotifyFeatureChanged(0x0001)

	if pub.RemainingCount != 4 {
		t.Errorf("expected an unrelated feature-change bit to leave RemainingCount untouched, got %d", pub.RemainingCount)
	}
}

func TestHeartbeatSubscriberTracksMinMaxHops(t *testing.T) {
	l, st := newTestLayer(t)
	sub := st.HeartbeatSub()
	sub.Source = 0x0020
	sub.Destination = 0x0001
	sub.PeriodLog = 0 // debounce timer disabled for this test; apply directly

	payload := encodeHeartbeat(10, 0x0003)
	l.handleHeartbeatRx(lowertransport.ControlRxInfo{Src: 0x0020, Dst: 0x0001, TTL: 8, Payload: payload})
	if sub.CountReceived != 1 || sub.MinHops != 3 || sub.MaxHops != 3 {
		t.Fatalf("unexpected subscription state after first heartbeat: %+v", sub)
	}

	payload2 := encodeHeartbeat(10, 0x0003)
	l.handleHeartbeatRx(lowertransport.ControlRxInfo{Src: 0x0020, Dst: 0x0001, TTL: 5, Payload: payload2})
	if sub.CountReceived != 2 || sub.MinHops != 3 || sub.MaxHops != 6 {
		t.Errorf("expected MaxHops to widen to 6 on a lower-TTL (more hops) heartbeat, got %+v", sub)
	}
}

func TestHeartbeatSubscriberIgnoresPDUFromUnexpectedSource(t *testing.T) {
	l, st := newTestLayer(t)
	sub := st.HeartbeatSub()
	sub.Source = 0x0020
	sub.Destination = 0x0001

	payload := encodeHeartbeat(10, 0x0003)
	l.handleHeartbeatRx(lowertransport.ControlRxInfo{Src: 0x0099, Dst: 0x0001, TTL: 8, Payload: payload})
	if sub.CountReceived != 0 {
		t.Errorf("expected a heartbeat from an unsubscribed source to be ignored, got CountReceived=%d", sub.CountReceived)
	}
}
