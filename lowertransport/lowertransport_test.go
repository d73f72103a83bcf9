// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.
package lowertransport

import (
	"testing"

	"meshcore/bearer"
	"meshcore/config"
	"meshcore/netlayer"
	"meshcore/replay"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/wire/segpdu"
)

func newTestLayer(t *testing.T) *Layer {
	t.Helper()
	boot := config.DefaultBoot()
	st := store.New(boot, 0x0001, nil)
	history := replay.NewHistory(boot.SarRxTranHistorySize)
	loop := sched.NewLoop(64, func(sched.Msg) {})
	netTx := netlayer.New(st, replay.NewRPL(boot.RpListSize), noopEgress{}, nil, boot.NwkCacheL1Size, boot.NwkCacheL2Size)
	return New(st, history, loop, netTx, nil, boot.SarRxTranInfoSize)
}

type noopEgress struct{}

func (noopEgress) Send(ifaceID int, pdu []byte, priority bearer.Priority, hint bearer.CredentialsHint) error {
	return nil
}

type captureAccessSink struct{ got []AccessRxInfo }

func (s *captureAccessSink) HandleAccessPDU(info AccessRxInfo) { s.got = append(s.got, info) }

type captureControlSink struct{ got []ControlRxInfo }

func (s *captureControlSink) HandleControlPDU(info ControlRxInfo) { s.got = append(s.got, info) }

type fixedFriendRoute struct{ lpnDst uint16 }

func (r fixedFriendRoute) HasLPNDestination(dst uint16) bool { return dst == r.lpnDst }

type captureFriendSink struct {
	entries []queuedEntry
}

type queuedEntry struct {
	src, dst uint16
	seq      uint32
	ctl      bool
	ttl      uint8
	pdu      []byte
}

func (s *captureFriendSink) EnqueuePDU(src, dst uint16, ivIndex uint32, seq uint32, ctl bool, ttl uint8, ltrPDU []byte) {
	s.entries = append(s.entries, queuedEntry{src: src, dst: dst, seq: seq, ctl: ctl, ttl: ttl, pdu: append([]byte{}, ltrPDU...)})
}

func segmentedControlPDU(t *testing.T, opcode uint8, seqZero uint16, segO, segN uint8, body []byte) []byte {
	t.Helper()
	hdr, err := segpdu.EncodeSegmented(segpdu.SegmentedHeader{
		IsControl: true, Opcode: opcode, SeqZero: seqZero, SegO: segO, SegN: segN,
	})
	if err != nil {
		t.Fatalf("EncodeSegmented: %v", err)
	}
	return append(hdr, body...)
}

func TestReassemblyCompletesAndDeliversControlPDU(t *testing.T) {
	l := newTestLayer(t)
	sink := &captureControlSink{}
	l.SetControlSink(sink)

	seg0 := segmentedControlPDU(t, 0x01, 0x0005, 0, 1, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02, 0x03, 0x04})
	seg1 := segmentedControlPDU(t, 0x01, 0x0005, 1, 1, []byte{0xEE, 0xFF})

	l.HandleNetworkPDU(netlayer.NwkPduRxInfo{Src: 0x0010, Dst: 0x0001, CTL: true, TTL: 3, Seq: 5, IVIndex: 0, Payload: seg0, RSSI: -55})
	l.HandleNetworkPDU(netlayer.NwkPduRxInfo{Src: 0x0010, Dst: 0x0001, CTL: true, TTL: 3, Seq: 6, IVIndex: 0, Payload: seg1, RSSI: -55})

	if len(sink.got) != 1 {
		t.Fatalf("expected exactly one reassembled control PDU delivered, got %d", len(sink.got))
	}
	got := sink.got[0]
	want := append(append([]byte{}, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x02, 0x03, 0x04}...), []byte{0xEE, 0xFF}...)
	if string(got.Payload) != string(want) {
		t.Errorf("reassembled payload mismatch: got %x want %x", got.Payload, want)
	}
	if got.RSSI != -55 {
		t.Errorf("expected RSSI to be propagated from the carrying network PDU, got %d", got.RSSI)
	}
}

func TestReassemblySupersededByNewerSeqAuthAbortsOlder(t *testing.T) {
	l := newTestLayer(t)
	sink := &captureControlSink{}
	l.SetControlSink(sink)

	old := segmentedControlPDU(t, 0x01, 0x0005, 0, 1, make([]byte, 8))
	l.HandleNetworkPDU(netlayer.NwkPduRxInfo{Src: 0x0010, Dst: 0x0001, CTL: true, TTL: 3, Seq: 5, IVIndex: 0, Payload: old})

	newer := segmentedControlPDU(t, 0x01, 0x000A, 0, 1, make([]byte, 8))
	l.HandleNetworkPDU(netlayer.NwkPduRxInfo{Src: 0x0010, Dst: 0x0001, CTL: true, TTL: 3, Seq: 10, IVIndex: 0, Payload: newer})

	found := false
	for i := range l.rxSlots {
		if l.rxSlots[i].inUse && l.rxSlots[i].seqZero == 0x000A {
			found = true
		}
		if l.rxSlots[i].inUse && l.rxSlots[i].seqZero == 0x0005 {
			t.Errorf("expected the superseded SeqZero=0x0005 reassembly to have been abandoned")
		}
	}
	if !found {
		t.Errorf("expected a slot tracking the newer SeqAuth's reassembly")
	}
}

func TestFriendQueueReceivesOriginalSegmentsOnHandoff(t *testing.T) {
	l := newTestLayer(t)
	route := fixedFriendRoute{lpnDst: 0x0050}
	fq := &captureFriendSink{}
	l.SetFriendRoute(route)
	l.SetFriendQueueSink(fq)
	sink := &captureControlSink{}
	l.SetControlSink(sink)

	seg0 := segmentedControlPDU(t, 0x01, 0x0003, 0, 1, make([]byte, 8))
	seg1 := segmentedControlPDU(t, 0x01, 0x0003, 1, 1, make([]byte, 8))
	l.HandleNetworkPDU(netlayer.NwkPduRxInfo{Src: 0x0010, Dst: 0x0050, CTL: true, TTL: 3, Seq: 3, IVIndex: 0, Payload: seg0})
	l.HandleNetworkPDU(netlayer.NwkPduRxInfo{Src: 0x0010, Dst: 0x0050, CTL: true, TTL: 3, Seq: 4, IVIndex: 0, Payload: seg1})

	if len(fq.entries) != 2 {
		t.Fatalf("expected both original segments handed to the Friend Queue, got %d", len(fq.entries))
	}
	if fq.entries[0].seq != 3 || fq.entries[1].seq != 4 {
		t.Errorf("expected the Friend Queue entries to preserve each segment's original SEQ, got %d,%d", fq.entries[0].seq, fq.entries[1].seq)
	}
	if len(sink.got) != 0 {
		t.Errorf("expected no local delivery for a unicast destination that is a befriended LPN, got %d", len(sink.got))
	}
}

func TestUnsegmentedAccessPDUDeliveredDirectly(t *testing.T) {
	l := newTestLayer(t)
	sink := &captureAccessSink{}
	l.SetAccessSink(sink)

	pdu := append([]byte{0x00}, []byte{0x01, 0x02, 0x03}...)
	l.HandleNetworkPDU(netlayer.NwkPduRxInfo{Src: 0x0020, Dst: 0x0001, CTL: false, TTL: 2, Seq: 1, IVIndex: 0, Payload: pdu})

	if len(sink.got) != 1 {
		t.Fatalf("expected exactly one unsegmented access PDU delivered, got %d", len(sink.got))
	}
	if string(sink.got[0].Payload) != "\x01\x02\x03" {
		t.Errorf("unexpected payload: %x", sink.got[0].Payload)
	}
}
