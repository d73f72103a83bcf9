package friendpdu

import "testing"

func TestFriendRequestRoundTrip(t *testing.T) {
	r := FriendRequest{
		Criteria:    0x05,
		RecvDelay:   20,
		PollTimeout: 0x000384,
		PrevAddr:    0x0042,
		NumElements: 3,
		LPNCounter:  7,
	}
	buf, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != FriendRequestLen {
		t.Fatalf("expected %d bytes, got %d", FriendRequestLen, len(buf))
	}
	got, err := DecodeFriendRequest(buf)
	if err != nil {
		t.Fatalf("DecodeFriendRequest: %v", err)
	}
	if got != r {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", r, got)
	}
}

func TestFriendRequestRejectsOversizePollTimeout(t *testing.T) {
	_, err := FriendRequest{PollTimeout: 0x01000000}.Encode()
	if err == nil {
		t.Errorf("expected error for PollTimeout exceeding 24 bits")
	}
}

func TestFriendOfferRoundTrip(t *testing.T) {
	o := FriendOffer{ReceiveWindow: 50, QueueSize: 16, SubscrListSize: 4, RSSI: -62, FriendCounter: 99}
	buf := o.Encode()
	if len(buf) != FriendOfferLen {
		t.Fatalf("expected %d bytes, got %d", FriendOfferLen, len(buf))
	}
	got, err := DecodeFriendOffer(buf)
	if err != nil {
		t.Fatalf("DecodeFriendOffer: %v", err)
	}
	if got != o {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", o, got)
	}
}

func TestFriendPollFSNBit(t *testing.T) {
	if b := (FriendPoll{FSN: true}).Encode(); b != 0x01 {
		t.Errorf("expected 0x01 for FSN=true, got 0x%02X", b)
	}
	if got := DecodeFriendPoll(0x01); !got.FSN {
		t.Errorf("expected FSN=true")
	}
	if got := DecodeFriendPoll(0x00); got.FSN {
		t.Errorf("expected FSN=false")
	}
}

func TestFriendClearAndConfirmRoundTrip(t *testing.T) {
	c := FriendClear{LPNAddr: 0x0010, LPNCounter: 7}
	buf := c.Encode()
	if len(buf) != FriendClearLen {
		t.Fatalf("expected %d bytes, got %d", FriendClearLen, len(buf))
	}
	got, err := DecodeFriendClear(buf)
	if err != nil {
		t.Fatalf("DecodeFriendClear: %v", err)
	}
	if got != c {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", c, got)
	}

	confirm := FriendClearConfirm{LPNAddr: 0x0010, LPNCounter: 7}
	if !confirm.Matches(c) {
		t.Errorf("expected matching Clear-Confirm to settle the outstanding Friend-Clear")
	}
	mismatch := FriendClearConfirm{LPNAddr: 0x0010, LPNCounter: 8}
	if mismatch.Matches(c) {
		t.Errorf("expected mismatched lpnCounter to not settle the Friend-Clear")
	}
}

func TestFriendUpdateRoundTrip(t *testing.T) {
	u := FriendUpdate{KeyRefreshFlag: true, IVUpdateFlag: false, IVIndex: 0x01020304, MD: true}
	buf := u.Encode()
	if len(buf) != FriendUpdateLen {
		t.Fatalf("expected %d bytes, got %d", FriendUpdateLen, len(buf))
	}
	got, err := DecodeFriendUpdate(buf)
	if err != nil {
		t.Fatalf("DecodeFriendUpdate: %v", err)
	}
	if got != u {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", u, got)
	}
}

func TestSubscrListUpdateRoundTrip(t *testing.T) {
	u := SubscrListUpdate{TransNum: 3, Addresses: []uint16{0xC000, 0xC001, 0x8042}}
	buf := u.Encode()
	if len(buf) != 1+2*3 {
		t.Fatalf("expected %d bytes, got %d", 1+2*3, len(buf))
	}
	got, err := DecodeSubscrListUpdate(buf)
	if err != nil {
		t.Fatalf("DecodeSubscrListUpdate: %v", err)
	}
	if got.TransNum != u.TransNum || len(got.Addresses) != len(u.Addresses) {
		t.Fatalf("roundtrip mismatch: want %+v, got %+v", u, got)
	}
	for i := range u.Addresses {
		if got.Addresses[i] != u.Addresses[i] {
			t.Errorf("address %d mismatch: want 0x%04X, got 0x%04X", i, u.Addresses[i], got.Addresses[i])
		}
	}
}

func TestDecodeSubscrListUpdateRejectsOddTail(t *testing.T) {
	_, err := DecodeSubscrListUpdate([]byte{0x01, 0xC0, 0x00, 0x01})
	if err == nil {
		t.Errorf("expected error for odd-length address tail")
	}
}

func TestSubscrListConfirmRoundTrip(t *testing.T) {
	c := SubscrListConfirm{TransNum: 9}
	b := c.Encode()
	got := DecodeSubscrListConfirm(b)
	if got != c {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", c, got)
	}
}
