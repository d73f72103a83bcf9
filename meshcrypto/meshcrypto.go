// Copyright 2024. All rights reserved.
// Use of this source code is governed by a MIT license that can be found
// in the LICENSE file.

// Package meshcrypto implements the cryptographic collaborators the core
// treats as opaque functions with known inputs/outputs: the k1/k2/k3/k4
// key-derivation family and AES-CCM encrypt/decrypt. ECDH P-256, used
// only during provisioning, is not implemented here.
package meshcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"github.com/aead/cmac"
)

// ErrAuthFailed is returned by Decrypt/CCMDecrypt on MIC/TransMIC mismatch.
var ErrAuthFailed = errors.New("meshcrypto: authentication failed")

const keyLen = 16

// zeroKey is the all-zero AES-128 key used as the CMAC key in k2/k3/k4's
// SALT derivation step (Mesh Profile k1/k2/k3/k4 construction).
var zeroKey = make([]byte, keyLen)

// aesCMAC computes the AES-CMAC-128 over m using key k, grounded on the
// same block,_ := aes.NewCipher(k); cmac.Sum(m, block, 16) pattern the
// teacher uses for NAS integrity (encoding/nas ComputeMAC).
func aesCMAC(k, m []byte) ([]byte, error) {
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(m, block, keyLen)
}

// s1 is the SALT generation function: s1(M) = AES-CMAC_zero(M).
func s1(m []byte) ([]byte, error) {
	return aesCMAC(zeroKey, m)
}

// k1 is used to derive the identity key and beacon key from a NetKey.
//
//	k1(N, SALT, P) = AES-CMAC_SALT(N || P)
func k1(n, salt, p []byte) ([]byte, error) {
	return aesCMAC(salt, append(append([]byte{}, n...), p...))
}

// aesCMACFull computes AES-CMAC exactly as aesCMAC does: the key is
// handed to aes.NewCipher unchanged, so it must be a valid AES key length
// (mesh always uses 128-bit keys); no truncation or extension is done.
func aesCMACFull(k, m []byte) ([]byte, error) {
	return aesCMAC(k, m)
}

// K2Material is the friendship/network credential set produced by k2.
type K2Material struct {
	NID           byte
	EncryptionKey []byte // 16 bytes
	PrivacyKey    []byte // 16 bytes
}

// K2 derives NID, EncryptionKey and PrivacyKey from a NetKey, optionally
// salted with the friendship credential material (p = 0x01 || ... per the
// Friendship Credentials variant) or the master variant (p = 0x00).
//
//	SALT  = s1("smk2")
//	T     = AES-CMAC_SALT(N)
//	T1    = AES-CMAC_T(T0... || P || 0x01)   (iterative k2 construction)
func K2(netKey, p []byte) (*K2Material, error) {
	salt, err := s1([]byte("smk2"))
	if err != nil {
		return nil, err
	}
	t, err := aesCMACFull(salt, netKey)
	if err != nil {
		return nil, err
	}

	t1, err := aesCMACFull(t, append(append([]byte{}, p...), 0x01))
	if err != nil {
		return nil, err
	}
	t2, err := aesCMACFull(t, append(append(append([]byte{}, t1...), p...), 0x02))
	if err != nil {
		return nil, err
	}
	t3, err := aesCMACFull(t, append(append(append([]byte{}, t2...), p...), 0x03))
	if err != nil {
		return nil, err
	}

	nid := t1[len(t1)-1] & 0x7F
	return &K2Material{
		NID:           nid,
		EncryptionKey: t2,
		PrivacyKey:    t3,
	}, nil
}

// K3 derives the 64-bit Network ID from a NetKey.
//
//	SALT = s1("smk3")
//	T    = AES-CMAC_SALT(N)
//	k3   = AES-CMAC_T("id64" || 0x01)[8:]
func K3(netKey []byte) ([]byte, error) {
	salt, err := s1([]byte("smk3"))
	if err != nil {
		return nil, err
	}
	t, err := aesCMACFull(salt, netKey)
	if err != nil {
		return nil, err
	}
	full, err := aesCMACFull(t, append([]byte("id64"), 0x01))
	if err != nil {
		return nil, err
	}
	return full[len(full)-8:], nil
}

// K4 derives the 6-bit AID from an AppKey.
//
//	SALT = s1("smk4")
//	T    = AES-CMAC_SALT(N)
//	k4   = AES-CMAC_T("id6" || 0x01)[-1] & 0x3F
func K4(appKey []byte) (byte, error) {
	salt, err := s1([]byte("smk4"))
	if err != nil {
		return 0, err
	}
	t, err := aesCMACFull(salt, appKey)
	if err != nil {
		return 0, err
	}
	full, err := aesCMACFull(t, append([]byte("id6"), 0x01))
	if err != nil {
		return 0, err
	}
	return full[len(full)-1] & 0x3F, nil
}

// This package does not build the "Privacy Random" input to PECB
// derivation: callers (netlayer) take the first 7 bytes of
// EncDST||EncTransportPDU||NetMIC, zero-padded to 7 when shorter, and
// assemble the full privacy plaintext themselves; this package only
// exposes the raw block cipher PECB derives from.
//
// ECBEncryptBlock runs a single AES-128 block encryption with key, used
// to derive PECB = E(PrivacyKey, 0x0000000000 || IVIndex || PrivacyRandom),
// the privacy keystream a network PDU's header fields are XORed with
// under the subnet's privacy key. This is plain ECB-mode single-block
// encryption, not CCM, so it bypasses the CCM machinery entirely.
func ECBEncryptBlock(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext) != ccmBlockSize {
		return nil, errors.New("meshcrypto: ECB plaintext must be 16 bytes")
	}
	out := make([]byte, ccmBlockSize)
	block.Encrypt(out, plaintext)
	return out, nil
}

// Nonce construction selectors, mirroring the Mesh Profile nonce types.
const (
	NonceTypeNetwork = 0x00
	NonceTypeApp     = 0x01
	NonceTypeDevice  = 0x02
)

// BuildNonce builds the 13-byte CCM nonce for network or application/
// device encryption, from the nonce type octet, ASZMIC, SEQ, SRC, DST,
// and IV-Index fields.
func BuildNonce(nonceType byte, aszmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	nonce := make([]byte, 13)
	nonce[0] = nonceType
	if aszmic {
		nonce[1] = 0x80
	}
	nonce[1] |= byte((seq >> 16) & 0x7F)
	nonce[2] = byte(seq >> 8)
	nonce[3] = byte(seq)
	nonce[4] = byte(src >> 8)
	nonce[5] = byte(src)
	nonce[6] = byte(dst >> 8)
	nonce[7] = byte(dst)
	nonce[8] = byte(ivIndex >> 24)
	nonce[9] = byte(ivIndex >> 16)
	nonce[10] = byte(ivIndex >> 8)
	nonce[11] = byte(ivIndex)
	nonce[12] = 0 // RFU slot shared by network/app nonce layouts
	return nonce
}

// CCMEncrypt encrypts plaintext with AES-CCM under key, returning
// ciphertext||MIC where the MIC is micSize bytes (4 or 8). additionalData
// is authenticated but not encrypted (the Label UUID for virtual-address
// destinations).
//
// crypto/cipher in the Go standard library has no CCM mode (only GCM),
// and no repository anywhere in the retrieved examples carries a usable
// AES-CCM package (see DESIGN.md), so CCM (RFC 3610, L=2, 13-byte nonce,
// as used throughout Bluetooth Mesh and Bluetooth LE Security) is
// assembled directly from the crypto/aes block primitive: CBC-MAC for
// authentication, CTR for encryption.
func CCMEncrypt(key, nonce, plaintext, additionalData []byte, micSize int) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if err := validateCCMParams(nonce, micSize); err != nil {
		return nil, err
	}

	tag, err := ccmMAC(block, nonce, plaintext, additionalData, micSize)
	if err != nil {
		return nil, err
	}

	ks := newCCMKeystream(block, nonce)
	ct := make([]byte, len(plaintext))
	ks.xorKeystream(ct, plaintext)

	u := make([]byte, micSize)
	ks.encryptBlockZero(u, tag)

	out := make([]byte, 0, len(ct)+micSize)
	out = append(out, ct...)
	out = append(out, u...)
	return out, nil
}

// CCMDecrypt reverses CCMEncrypt. Returns ErrAuthFailed on MIC mismatch;
// callers are expected to silently drop the PDU rather than surface the
// failure further.
func CCMDecrypt(key, nonce, ciphertext, additionalData []byte, micSize int) ([]byte, error) {
	if len(ciphertext) < micSize {
		return nil, ErrAuthFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if err := validateCCMParams(nonce, micSize); err != nil {
		return nil, err
	}

	ct := ciphertext[:len(ciphertext)-micSize]
	gotU := ciphertext[len(ciphertext)-micSize:]

	ks := newCCMKeystream(block, nonce)
	pt := make([]byte, len(ct))
	ks.xorKeystream(pt, ct)

	tag, err := ccmMAC(block, nonce, pt, additionalData, micSize)
	if err != nil {
		return nil, err
	}
	wantU := make([]byte, micSize)
	ks.encryptBlockZero(wantU, tag)

	if subtle, ok := constantTimeEqual(gotU, wantU); !ok || !subtle {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func validateCCMParams(nonce []byte, micSize int) error {
	if len(nonce) != 13 {
		return errors.New("meshcrypto: CCM nonce must be 13 bytes")
	}
	if micSize != 4 && micSize != 8 {
		return errors.New("meshcrypto: CCM MIC size must be 4 or 8 bytes")
	}
	return nil
}

func constantTimeEqual(a, b []byte) (equal, lengthOK bool) {
	if len(a) != len(b) {
		return false, false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0, true
}

// ccmBlockSize is the AES block size used throughout CCM.
const ccmBlockSize = 16

// ccmMAC computes the CBC-MAC (RFC 3610 §2.2) over the formatted B0 block,
// the length-prefixed additional data, and the plaintext, returning the
// raw (un-masked) tag truncated to micSize bytes.
func ccmMAC(block cipher.Block, nonce, plaintext, additionalData []byte, micSize int) ([]byte, error) {
	b0 := make([]byte, ccmBlockSize)
	flags := byte(0)
	if len(additionalData) > 0 {
		flags |= 0x40
	}
	flags |= byte((micSize-2)/2) << 3
	flags |= 0x01 // L-1, L=2
	b0[0] = flags
	copy(b0[1:14], nonce)
	b0[14] = byte(len(plaintext) >> 8)
	b0[15] = byte(len(plaintext))

	mac := make([]byte, ccmBlockSize)
	block.Encrypt(mac, b0)

	xorBlockInto := func(data []byte) {
		chunks := padToBlocks(data)
		for _, c := range chunks {
			for i := 0; i < ccmBlockSize; i++ {
				mac[i] ^= c[i]
			}
			block.Encrypt(mac, mac)
		}
	}

	if len(additionalData) > 0 {
		var lenField []byte
		switch {
		case len(additionalData) < 0xFF00:
			lenField = []byte{byte(len(additionalData) >> 8), byte(len(additionalData))}
		default:
			return nil, errors.New("meshcrypto: additional data too large")
		}
		xorBlockInto(append(lenField, additionalData...))
	}
	if len(plaintext) > 0 {
		xorBlockInto(plaintext)
	}

	return mac[:micSize], nil
}

func padToBlocks(data []byte) [][]byte {
	n := (len(data) + ccmBlockSize - 1) / ccmBlockSize
	if n == 0 {
		n = 1
	}
	out := make([][]byte, n)
	padded := make([]byte, n*ccmBlockSize)
	copy(padded, data)
	for i := 0; i < n; i++ {
		out[i] = padded[i*ccmBlockSize : (i+1)*ccmBlockSize]
	}
	return out
}

// ccmKeystream generates the CTR-mode masking blocks Ai = flags || nonce
// || counter, counting from 1 for payload blocks; A0 (counter=0) masks
// the MAC into the final MIC.
type ccmKeystream struct {
	block   cipher.Block
	ctrBase []byte
	counter uint16
}

func newCCMKeystream(block cipher.Block, nonce []byte) *ccmKeystream {
	base := make([]byte, ccmBlockSize)
	base[0] = 0x01 // L-1, L=2; Adata bit and M field are 0 for counter blocks
	copy(base[1:14], nonce)
	return &ccmKeystream{block: block, ctrBase: base, counter: 1}
}

func (k *ccmKeystream) encryptBlockZero(dst, tag []byte) {
	a0 := make([]byte, ccmBlockSize)
	copy(a0, k.ctrBase)
	a0[14], a0[15] = 0, 0
	s0 := make([]byte, ccmBlockSize)
	k.block.Encrypt(s0, a0)
	for i := range dst {
		dst[i] = tag[i] ^ s0[i]
	}
}

func (k *ccmKeystream) xorKeystream(dst, src []byte) {
	ai := make([]byte, ccmBlockSize)
	si := make([]byte, ccmBlockSize)
	off := 0
	for off < len(src) {
		copy(ai, k.ctrBase)
		ai[14] = byte(k.counter >> 8)
		ai[15] = byte(k.counter)
		k.block.Encrypt(si, ai)
		k.counter++

		n := ccmBlockSize
		if len(src)-off < n {
			n = len(src) - off
		}
		for i := 0; i < n; i++ {
			dst[off+i] = src[off+i] ^ si[i]
		}
		off += n
	}
}
