package segpdu

import "testing"

func TestUnsegmentedAccessRoundTrip(t *testing.T) {
	h := UnsegmentedHeader{IsControl: false, AKF: true, AID: 0x2A}
	b := EncodeUnsegmented(h)
	if IsSegmented(b) {
		t.Fatalf("expected SEG=0 for unsegmented header")
	}
	got := DecodeUnsegmented(b, false)
	if got != h {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", h, got)
	}
}

func TestUnsegmentedControlRoundTrip(t *testing.T) {
	h := UnsegmentedHeader{IsControl: true, Opcode: 0x0A}
	b := EncodeUnsegmented(h)
	got := DecodeUnsegmented(b, true)
	if got != h {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", h, got)
	}
}

func TestSegmentedAccessRoundTrip(t *testing.T) {
	h := SegmentedHeader{
		IsControl: false,
		AKF:       true,
		AID:       0x15,
		SZMIC:     true,
		SeqZero:   0x1ABC,
		SegO:      7,
		SegN:      9,
	}
	buf, err := EncodeSegmented(h)
	if err != nil {
		t.Fatalf("EncodeSegmented: %v", err)
	}
	if len(buf) != SegmentedHeaderLen {
		t.Fatalf("expected %d-byte header, got %d", SegmentedHeaderLen, len(buf))
	}
	if !IsSegmented(buf[0]) {
		t.Fatalf("expected SEG=1 for segmented header")
	}
	got, err := DecodeSegmented(buf, false)
	if err != nil {
		t.Fatalf("DecodeSegmented: %v", err)
	}
	if got != h {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", h, got)
	}
}

func TestSegmentedControlRoundTrip(t *testing.T) {
	h := SegmentedHeader{
		IsControl: true,
		Opcode:    0x07,
		SeqZero:   0x0001,
		SegO:      0,
		SegN:      3,
	}
	buf, err := EncodeSegmented(h)
	if err != nil {
		t.Fatalf("EncodeSegmented: %v", err)
	}
	got, err := DecodeSegmented(buf, true)
	if err != nil {
		t.Fatalf("DecodeSegmented: %v", err)
	}
	if got != h {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", h, got)
	}
}

func TestEncodeSegmentedRejectsOversizeSeqZero(t *testing.T) {
	_, err := EncodeSegmented(SegmentedHeader{SeqZero: 0x2000})
	if err == nil {
		t.Errorf("expected error for SeqZero exceeding 13 bits")
	}
}

func TestEncodeSegmentedRejectsOversizeSegOSegN(t *testing.T) {
	_, err := EncodeSegmented(SegmentedHeader{SegO: 32})
	if err == nil {
		t.Errorf("expected error for SegO exceeding 5 bits")
	}
	_, err = EncodeSegmented(SegmentedHeader{SegN: 32})
	if err == nil {
		t.Errorf("expected error for SegN exceeding 5 bits")
	}
}

func TestReconstructSeqSameBlock(t *testing.T) {
	// Full SEQ 0x001042, SeqZero is its low 13 bits (0x1042 & 0x1FFF = 0x1042).
	got := ReconstructSeq(0x001042, 0x1042)
	if got != 0x001042 {
		t.Errorf("expected 0x001042, got 0x%06X", got)
	}
}

func TestReconstructSeqWrapsToPriorBlock(t *testing.T) {
	// received SEQ's low 13 bits are smaller than seqZero: the first
	// segment's SeqZero must have been set before a 13-bit wraparound
	// relative to this later segment's SEQ.
	receivedSeq := uint32(0x002000) // low 13 bits == 0
	got := ReconstructSeq(receivedSeq, 0x1FFF)
	want := uint32(0x002000 - 1)
	if got != want {
		t.Errorf("expected 0x%06X, got 0x%06X", want, got)
	}
}

func TestSegmentAckRoundTrip(t *testing.T) {
	a := SegmentAck{OBO: true, SeqZero: 0x1234, BlockAck: 0xDEADBEEF}
	buf, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != SegmentAckLen {
		t.Fatalf("expected %d-byte Segment-ACK, got %d", SegmentAckLen, len(buf))
	}
	got, err := DecodeSegmentAck(buf)
	if err != nil {
		t.Fatalf("DecodeSegmentAck: %v", err)
	}
	if got != a {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", a, got)
	}
}

func TestSegmentAckRejectsOversizeSeqZero(t *testing.T) {
	_, err := SegmentAck{SeqZero: 0x2000}.Encode()
	if err == nil {
		t.Errorf("expected error for SeqZero exceeding 13 bits")
	}
}

func TestFullBlockAck(t *testing.T) {
	if got := FullBlockAck(0); got != 0x1 {
		t.Errorf("segN=0: expected 0x1, got 0x%X", got)
	}
	if got := FullBlockAck(3); got != 0xF {
		t.Errorf("segN=3: expected 0xF, got 0x%X", got)
	}
	if got := FullBlockAck(31); got != 0xFFFFFFFF {
		t.Errorf("segN=31: expected 0xFFFFFFFF, got 0x%X", got)
	}
}
