package meshcrypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestCCMRoundTrip(t *testing.T) {
	key, _ := hex.DecodeString("0102030405060708090a0b0c0d0e0f10")
	nonce := BuildNonce(NonceTypeApp, false, 0x000001, 0x0001, 0x0002, 0x12345678)
	plaintext := []byte("on-off model test payload")

	ct, err := CCMEncrypt(key, nonce, plaintext, nil, 4)
	if err != nil {
		t.Fatalf("CCMEncrypt: %v", err)
	}
	if len(ct) != len(plaintext)+4 {
		t.Fatalf("expect len %d, actual %d", len(plaintext)+4, len(ct))
	}

	pt, err := CCMDecrypt(key, nonce, ct, nil, 4)
	if err != nil {
		t.Fatalf("CCMDecrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("roundtrip mismatch: expect %q, actual %q", plaintext, pt)
	}
}

func TestCCMDetectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 16)
	nonce := BuildNonce(NonceTypeDevice, true, 1, 0x0001, 0x0002, 0)
	ct, err := CCMEncrypt(key, nonce, []byte{0x01, 0x02, 0x03}, nil, 8)
	if err != nil {
		t.Fatalf("CCMEncrypt: %v", err)
	}
	ct[0] ^= 0xFF
	if _, err := CCMDecrypt(key, nonce, ct, nil, 8); err != ErrAuthFailed {
		t.Errorf("expect ErrAuthFailed for tampered ciphertext, got %v", err)
	}
}

func TestCCMWithAdditionalData(t *testing.T) {
	key := make([]byte, 16)
	nonce := BuildNonce(NonceTypeApp, false, 2, 0x0010, 0x8100, 0)
	labelUUID := bytes.Repeat([]byte{0xAB}, 16)
	plaintext := []byte{0x82, 0x01}

	ct, err := CCMEncrypt(key, nonce, plaintext, labelUUID, 4)
	if err != nil {
		t.Fatalf("CCMEncrypt: %v", err)
	}
	if _, err := CCMDecrypt(key, nonce, ct, nil, 4); err != ErrAuthFailed {
		t.Errorf("expect ErrAuthFailed when additional data omitted on decrypt")
	}
	pt, err := CCMDecrypt(key, nonce, ct, labelUUID, 4)
	if err != nil {
		t.Fatalf("CCMDecrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("roundtrip with AAD mismatch: expect %x, actual %x", plaintext, pt)
	}
}

func TestK2DerivesDistinctMaterialPerP(t *testing.T) {
	netKey := make([]byte, 16)
	for i := range netKey {
		netKey[i] = byte(i)
	}
	master, err := K2(netKey, []byte{0x00})
	if err != nil {
		t.Fatalf("K2 master: %v", err)
	}
	friendship, err := K2(netKey, append([]byte{0x01}, []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00, 0x05}...))
	if err != nil {
		t.Fatalf("K2 friendship: %v", err)
	}
	if bytes.Equal(master.EncryptionKey, friendship.EncryptionKey) {
		t.Errorf("expected master and friendship credentials to differ")
	}
	if master.NID == friendship.NID && bytes.Equal(master.PrivacyKey, friendship.PrivacyKey) {
		t.Errorf("expected at least privacy key to differ between master and friendship credentials")
	}
}

func TestK4AIDIsSixBits(t *testing.T) {
	appKey := bytes.Repeat([]byte{0x42}, 16)
	aid, err := K4(appKey)
	if err != nil {
		t.Fatalf("K4: %v", err)
	}
	if aid&0xC0 != 0 {
		t.Errorf("AID must fit in 6 bits, got 0x%02x", aid)
	}
}
