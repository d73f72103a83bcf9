package netpdu

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{IVI: true, NID: 0x12, CTL: false, TTL: 5, Seq: 0x010203, Src: 0x0001, Dst: 0xC000}
	buf, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Errorf("roundtrip mismatch: want %+v, got %+v", h, got)
	}
}

func TestObfuscateIsInvolution(t *testing.T) {
	h := Header{TTL: 3, Seq: 0x000042, Src: 0x0002, Dst: 0x0005}
	buf, _ := EncodeHeader(h)
	orig := append([]byte{}, buf...)
	pecb := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}

	if err := Obfuscate(buf, pecb); err != nil {
		t.Fatalf("Obfuscate: %v", err)
	}
	if bytesEqual(buf, orig) {
		t.Errorf("expected obfuscation to change header bytes")
	}
	if err := Deobfuscate(buf, pecb); err != nil {
		t.Fatalf("Deobfuscate: %v", err)
	}
	if !bytesEqual(buf, orig) {
		t.Errorf("expected Deobfuscate(Obfuscate(x)) == x")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTTLOverflowRejected(t *testing.T) {
	_, err := EncodeHeader(Header{TTL: 0x80})
	if err == nil {
		t.Errorf("expected error for TTL exceeding 7 bits")
	}
}
