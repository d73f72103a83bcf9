package lpn

import (
	"testing"

	"meshcore/bearer"
	"meshcore/config"
	"meshcore/events"
	"meshcore/lowertransport"
	"meshcore/netlayer"
	"meshcore/replay"
	"meshcore/sched"
	"meshcore/store"
	"meshcore/wire/friendpdu"
)

type captureEgress struct{ last []byte }

func (e *captureEgress) Send(ifaceID int, pdu []byte, priority bearer.Priority, hint bearer.CredentialsHint) error {
	e.last = append([]byte{}, pdu...)
	return nil
}

type recordingSink struct{}

func (recordingSink) Notify(events.Event) {}

func newTestLayer(t *testing.T) (*Layer, *store.Store) {
	t.Helper()
	boot := config.DefaultBoot()
	st := store.New(boot, 0x0002, nil)
	if err := st.AddNetKey(0, [16]byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("AddNetKey: %v", err)
	}
	rpl := replay.NewRPL(boot.RpListSize)
	history := replay.NewHistory(boot.SarRxTranHistorySize)
	loop := sched.NewLoop(64, func(sched.Msg) {})
	netTx := netlayer.New(st, rpl, &captureEgress{}, nil, boot.NwkCacheL1Size, boot.NwkCacheL2Size)
	lowerTx := lowertransport.New(st, history, loop, netTx, nil, boot.SarRxTranInfoSize)
	netTx.SetRxSink(lowerTx)

	l := New(st, loop, netTx, lowerTx, recordingSink{}, boot.NetKeyListSize, 1, 0x09)
	return l, st
}

func TestBetterOfferPrefersSmallerReceiveWindow(t *testing.T) {
	l, _ := newTestLayer(t)
	best := &offerCandidate{friendAddr: 0x0001, recvWindow: 50, rssi: -60}
	cand := offerCandidate{friendAddr: 0x0002, recvWindow: 30, rssi: -80}
	if !l.betterOffer(cand, best) {
		t.Errorf("expected the smaller-ReceiveWindow offer to win regardless of weaker RSSI")
	}
}

func TestBetterOfferFallsBackToRSSIOnTie(t *testing.T) {
	l, _ := newTestLayer(t)
	best := &offerCandidate{friendAddr: 0x0001, recvWindow: 50, rssi: -60}
	worse := offerCandidate{friendAddr: 0x0002, recvWindow: 50, rssi: -80}
	if l.betterOffer(worse, best) {
		t.Errorf("expected a weaker-RSSI offer with an equal ReceiveWindow to lose the tie-break")
	}
	better := offerCandidate{friendAddr: 0x0003, recvWindow: 50, rssi: -40}
	if !l.betterOffer(better, best) {
		t.Errorf("expected a stronger-RSSI offer with an equal ReceiveWindow to win the tie-break")
	}
}

func TestStartFriendshipBroadcastsRequestAndOpensOfferWindow(t *testing.T) {
	l, _ := newTestLayer(t)
	l.StartFriendship(0)

	ctx := l.contextFor(0, false)
	if ctx == nil {
		t.Fatalf("expected a context to be allocated for netKeyIndex 0")
	}
	if ctx.state != StateWaitFriendOffer {
		t.Errorf("expected state StateWaitFriendOffer, got %v", ctx.state)
	}
	if ctx.lpnCounter != 1 {
		t.Errorf("expected the first attempt to use lpnCounter 1, got %d", ctx.lpnCounter)
	}
	if ctx.pollTimeout < minPollTimeout || ctx.pollTimeout > maxPollTimeout {
		t.Errorf("computed pollTimeout %d falls outside the glossary range", ctx.pollTimeout)
	}
}

func TestHandleFriendOfferRecordsBestCandidate(t *testing.T) {
	l, _ := newTestLayer(t)
	l.StartFriendship(0)
	ctx := l.contextFor(0, false)
	ctx.state = StateWaitFriendOffer

	offer := friendpdu.FriendOffer{ReceiveWindow: 40, QueueSize: 4, SubscrListSize: 4, FriendCounter: 1}
	l.handleFriendOffer(lowertransport.ControlRxInfo{Src: 0x0010, NetKeyIndex: 0, Opcode: friendpdu.OpcodeFriendOffer, Payload: offer.Encode(), RSSI: -50})

	if ctx.bestOffer == nil {
		t.Fatalf("expected the offer to be recorded as the best candidate")
	}
	if ctx.bestOffer.friendAddr != 0x0010 {
		t.Errorf("expected bestOffer.friendAddr to be 0x0010, got 0x%04x", ctx.bestOffer.friendAddr)
	}

	worse := friendpdu.FriendOffer{ReceiveWindow: 80, QueueSize: 4, SubscrListSize: 4, FriendCounter: 2}
	l.handleFriendOffer(lowertransport.ControlRxInfo{Src: 0x0011, NetKeyIndex: 0, Opcode: friendpdu.OpcodeFriendOffer, Payload: worse.Encode(), RSSI: -10})
	if ctx.bestOffer.friendAddr != 0x0010 {
		t.Errorf("expected the smaller-ReceiveWindow offer to remain best, got friendAddr=0x%04x", ctx.bestOffer.friendAddr)
	}
}
