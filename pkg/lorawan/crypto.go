package lorawan

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

// AESECBEncrypt encrypts a single 16-byte block under AES-128-ECB.
func AESECBEncrypt(key AES128Key, block [16]byte) [16]byte {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err) // key is always 16 bytes by type; aes.NewCipher cannot fail
	}
	var out [16]byte
	c.Encrypt(out[:], block[:])
	return out
}

// AESECBDecrypt decrypts a single 16-byte block under AES-128-ECB.
func AESECBDecrypt(key AES128Key, block [16]byte) [16]byte {
	c, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	var out [16]byte
	c.Decrypt(out[:], block[:])
	return out
}

// CMAC computes AES-CMAC (RFC 4493) over data and returns the full 16-byte
// tag. Callers that need a LoRaWAN MIC take the leading 4 bytes.
func CMAC(key AES128Key, data []byte) ([16]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return [16]byte{}, err
	}
	k1, k2 := cmacSubkeys(block)

	n := len(data)
	var mLast [16]byte
	var numFullBlocks int

	if n == 0 {
		mLast = k2
		mLast[0] ^= 0x80
		numFullBlocks = 0
	} else if n%16 == 0 {
		copy(mLast[:], data[n-16:])
		xor16(&mLast, &k1)
		numFullBlocks = n/16 - 1
	} else {
		numFullBlocks = n / 16
		rem := n % 16
		var padded [16]byte
		copy(padded[:], data[numFullBlocks*16:])
		padded[rem] = 0x80
		mLast = padded
		xor16(&mLast, &k2)
	}

	var x, y [16]byte
	for i := 0; i < numFullBlocks; i++ {
		var block16 [16]byte
		copy(block16[:], data[i*16:(i+1)*16])
		xorInto(&y, &x, &block16)
		block.Encrypt(x[:], y[:])
	}
	xorInto(&y, &x, &mLast)
	block.Encrypt(x[:], y[:])

	return x, nil
}

// MIC truncates a CMAC tag to the leading 4 bytes LoRaWAN uses on the wire.
func MIC(key AES128Key, data []byte) ([4]byte, error) {
	tag, err := CMAC(key, data)
	if err != nil {
		return [4]byte{}, err
	}
	var mic [4]byte
	copy(mic[:], tag[:4])
	return mic, nil
}

func cmacSubkeys(block cipher.Block) (k1, k2 [16]byte) {
	const rb = 0x87
	var zero, l [16]byte
	block.Encrypt(l[:], zero[:])

	k1 = leftShift1(l)
	if l[0]&0x80 != 0 {
		k1[15] ^= rb
	}
	k2 = leftShift1(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= rb
	}
	return k1, k2
}

func leftShift1(in [16]byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = (in[i] & 0x80) >> 7
	}
	return out
}

func xor16(dst *[16]byte, with *[16]byte) {
	for i := range dst {
		dst[i] ^= with[i]
	}
}

func xorInto(dst *[16]byte, a *[16]byte, b *[16]byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// DeriveSessionKeys implements the LoRaWAN 1.0.x session-key derivation
// (spec §4.A): NwkSKey = AES-ECB-Encrypt(AppKey, 0x01 | AppNonce | NetID |
// DevNonce | pad16), AppSKey identical with leading byte 0x02. appNonce and
// netID are 24-bit values packed little-endian per the over-the-air
// encoding; devNonce is the 16-bit value the device sent.
func DeriveSessionKeys(appKey AES128Key, appNonce uint32, netID uint32, devNonce uint16) (nwkSKey, appSKey AES128Key) {
	base := sessionKeyMsg(appNonce, netID, devNonce)

	nwkMsg := base
	nwkMsg[0] = 0x01
	nwkBlock := AESECBEncrypt(appKey, nwkMsg)
	copy(nwkSKey[:], nwkBlock[:])

	appMsg := base
	appMsg[0] = 0x02
	appBlock := AESECBEncrypt(appKey, appMsg)
	copy(appSKey[:], appBlock[:])

	return nwkSKey, appSKey
}

func sessionKeyMsg(appNonce, netID uint32, devNonce uint16) [16]byte {
	var msg [16]byte
	put24LE(msg[1:4], appNonce)
	put24LE(msg[4:7], netID)
	binary.LittleEndian.PutUint16(msg[7:9], devNonce)
	return msg
}

func put24LE(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func get24LE(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}

// cryptBlockCounter builds the 16-byte block-counter input (the A_i block)
// that CryptFRMPayload encrypts to produce the FRMPayload AES-CTR keystream
// (§4.E).
//
//	byte 0:      0x01
//	bytes 1-4:   0x00000000
//	byte 5:      direction (0 = uplink, 1 = downlink)
//	bytes 6-9:   DevAddr (wire order, i.e. little-endian on air)
//	bytes 10-13: FCnt32, little-endian
//	byte 14:     0x00
//	byte 15:     block index i (1-based)
func cryptBlockCounter(uplink bool, devAddr DevAddr, fCnt32 uint32, i byte) [16]byte {
	var a [16]byte
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}
	copy(a[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(a[10:14], fCnt32)
	a[15] = i
	return a
}

// CryptFRMPayload encrypts or decrypts FRMPayload in place semantics
// (XOR is its own inverse) using AES-CTR with the LoRaWAN block-counter
// construction from §4.E. The same function serves both NwkSKey-keyed
// (FPort 0) and AppSKey-keyed (FPort != 0) payloads — the caller picks
// the key.
func CryptFRMPayload(key AES128Key, uplink bool, devAddr DevAddr, fCnt32 uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	c, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	numBlocks := (len(payload) + 15) / 16
	if numBlocks > 255 {
		return nil, fmt.Errorf("lorawan: FRMPayload too long for AES-CTR block counter (%d blocks)", numBlocks)
	}

	out := make([]byte, len(payload))
	var stream [16]byte
	for i := 0; i < numBlocks; i++ {
		a := cryptBlockCounter(uplink, devAddr, fCnt32, byte(i+1))
		c.Encrypt(stream[:], a[:])
		start := i * 16
		end := start + 16
		if end > len(payload) {
			end = len(payload)
		}
		for j := start; j < end; j++ {
			out[j] = payload[j] ^ stream[j-start]
		}
	}
	return out, nil
}

// dataBlockB0 builds the B0 block the uplink/downlink data MIC is computed
// over (spec §4.E step 2): 0x49 | 4-zero | direction | DevAddr | FCnt32 | 0x00
// | len(msg), all little-endian where multi-byte.
func dataBlockB0(uplink bool, devAddr DevAddr, fCnt32 uint32, msgLen int) [16]byte {
	var b0 [16]byte
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	copy(b0[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt32)
	b0[15] = byte(msgLen)
	return b0
}

// DataMIC computes the MIC for a Data-Up/Data-Down frame under NwkSKey:
// CMAC(NwkSKey, B0 || msg) truncated to 4 bytes, where msg is everything
// preceding the frame's trailing MIC (spec §4.E step 2).
func DataMIC(nwkSKey AES128Key, uplink bool, devAddr DevAddr, fCnt32 uint32, msg []byte) ([4]byte, error) {
	b0 := dataBlockB0(uplink, devAddr, fCnt32, len(msg))
	buf := make([]byte, 0, 16+len(msg))
	buf = append(buf, b0[:]...)
	buf = append(buf, msg...)
	return MIC(nwkSKey, buf)
}

// EncryptJoinAccept implements the LoRaWAN Join-Accept encryption quirk
// (spec §4.D/§9): the end device decrypts Join-Accept with AES-ECB
// *encrypt*, so the network must encrypt it with AES-ECB *decrypt*. body
// must already include the trailing MIC and be a multiple of 16 bytes.
func EncryptJoinAccept(appKey AES128Key, body []byte) ([]byte, error) {
	if len(body)%16 != 0 {
		return nil, fmt.Errorf("lorawan: join-accept body length %d is not a multiple of 16", len(body))
	}
	out := make([]byte, len(body))
	for i := 0; i < len(body); i += 16 {
		var block [16]byte
		copy(block[:], body[i:i+16])
		dec := AESECBDecrypt(appKey, block)
		copy(out[i:i+16], dec[:])
	}
	return out, nil
}

// DecryptJoinAccept reverses EncryptJoinAccept (what the end device does on
// receipt); used by tests to confirm an emitted Join-Accept is well formed.
func DecryptJoinAccept(appKey AES128Key, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%16 != 0 {
		return nil, fmt.Errorf("lorawan: join-accept ciphertext length %d is not a multiple of 16", len(ciphertext))
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += 16 {
		var block [16]byte
		copy(block[:], ciphertext[i:i+16])
		enc := AESECBEncrypt(appKey, block)
		copy(out[i:i+16], enc[:])
	}
	return out, nil
}
