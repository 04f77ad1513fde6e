package httpproxy

import (
	"crypto/des"
	"encoding/base64"
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"github.com/5l1v3r1/ssf/sserr"
	"golang.org/x/crypto/md4"
)

// ntlmHandler drives the two-round NTLMv1 handshake (MS-NLMP): Type 1
// Negotiate, Type 2 Challenge (from the proxy), Type 3 Authenticate.
type ntlmHandler struct {
	conf   Conf
	params string
}

func (h *ntlmHandler) scheme() string { return "ntlm" }

const (
	ntlmRoundNegotiate = 0
	ntlmRoundAuthenticate = 1
)

func (h *ntlmHandler) next(challengeParams string, state []byte) ([]string, []byte, bool, error) {
	round := ntlmRoundNegotiate
	if len(state) == 1 {
		round = int(state[0])
	}

	switch round {
	case ntlmRoundNegotiate:
		msg := buildType1(h.conf.Domain)
		return []string{"NTLM " + base64.StdEncoding.EncodeToString(msg)}, []byte{ntlmRoundAuthenticate}, false, nil
	default:
		challenge, ok := extractNTLMBlob(challengeParams)
		if !ok {
			return nil, nil, false, sserr.ErrProxyAuthFailed
		}
		serverChallenge, targetName, err := parseType2(challenge)
		if err != nil {
			return nil, nil, false, err
		}
		msg := buildType3(h.conf.Username, h.conf.Domain, h.conf.Password, serverChallenge, targetName)
		return []string{"NTLM " + base64.StdEncoding.EncodeToString(msg)}, nil, true, nil
	}
}

// extractNTLMBlob pulls the base64 payload out of a "NTLM <blob>"
// Proxy-Authenticate challenge param (challengeParams here is everything
// after the scheme name, i.e. just "<blob>").
func extractNTLMBlob(challengeParams string) ([]byte, bool) {
	challengeParams = strings.TrimSpace(challengeParams)
	if challengeParams == "" {
		return nil, false
	}
	blob, err := base64.StdEncoding.DecodeString(challengeParams)
	if err != nil {
		return nil, false
	}
	return blob, true
}

func utf16le(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

const ntlmSig = "NTLMSSP\x00"

func buildType1(domain string) []byte {
	domainBytes := []byte(strings.ToUpper(domain))
	flags := uint32(0x00000207) // negotiate unicode | OEM | request target

	msg := make([]byte, 32+len(domainBytes))
	copy(msg, ntlmSig)
	binary.LittleEndian.PutUint32(msg[8:], 1) // message type
	binary.LittleEndian.PutUint32(msg[12:], flags)
	putSecBuf(msg[16:], uint16(len(domainBytes)), 32)
	putSecBuf(msg[24:], 0, 32)
	copy(msg[32:], domainBytes)
	return msg
}

func putSecBuf(dst []byte, length uint16, offset uint32) {
	binary.LittleEndian.PutUint16(dst[0:], length)
	binary.LittleEndian.PutUint16(dst[2:], length)
	binary.LittleEndian.PutUint32(dst[4:], offset)
}

// parseType2 extracts the 8-byte server challenge and target name from a
// Type 2 Challenge message.
func parseType2(msg []byte) (challenge [8]byte, targetName string, err error) {
	if len(msg) < 32 || string(msg[0:8]) != ntlmSig {
		err = sserr.ErrProxyAuthFailed
		return
	}
	copy(challenge[:], msg[24:32])

	tnLen := binary.LittleEndian.Uint16(msg[12:14])
	tnOffset := binary.LittleEndian.Uint32(msg[16:20])
	if int(tnOffset)+int(tnLen) <= len(msg) {
		raw := msg[tnOffset : tnOffset+uint32(tnLen)]
		units := make([]uint16, 0, len(raw)/2)
		for i := 0; i+1 < len(raw); i += 2 {
			units = append(units, binary.LittleEndian.Uint16(raw[i:]))
		}
		targetName = string(utf16.Decode(units))
	}
	return
}

func buildType3(user, domain, password string, serverChallenge [8]byte, targetName string) []byte {
	lmResp := ntlmv1Response(lmHash(password), serverChallenge)
	ntResp := ntlmv1Response(ntHash(password), serverChallenge)

	userB := utf16le(user)
	domB := utf16le(domain)
	hostB := utf16le("localhost")

	const headerLen = 64
	offset := uint32(headerLen)

	msg := make([]byte, headerLen)
	copy(msg, ntlmSig)
	binary.LittleEndian.PutUint32(msg[8:], 3)

	putSecBuf(msg[12:], uint16(len(lmResp)), offset)
	body := append([]byte{}, lmResp...)
	offset += uint32(len(lmResp))

	putSecBuf(msg[20:], uint16(len(ntResp)), offset)
	body = append(body, ntResp...)
	offset += uint32(len(ntResp))

	putSecBuf(msg[28:], uint16(len(domB)), offset)
	body = append(body, domB...)
	offset += uint32(len(domB))

	putSecBuf(msg[36:], uint16(len(userB)), offset)
	body = append(body, userB...)
	offset += uint32(len(userB))

	putSecBuf(msg[44:], uint16(len(hostB)), offset)
	body = append(body, hostB...)
	offset += uint32(len(hostB))

	putSecBuf(msg[52:], 0, offset) // session key, unused

	binary.LittleEndian.PutUint32(msg[60:], 0x00008201) // flags: unicode | NTLM

	_ = targetName // informational only; NTLMv1 response doesn't need it
	return append(msg, body...)
}

// lmHash/ntHash/ntlmv1Response implement the classic NTLMv1 algorithms
// (MS-NLMP §3.3.1): LM hash via DES-keyed "KGS!@#$%", NT hash via MD4, and
// the 24-byte DES response over the 8-byte server challenge.
func lmHash(password string) [16]byte {
	const magic = "KGS!@#$%"
	pw := strings.ToUpper(password)
	if len(pw) > 14 {
		pw = pw[:14]
	}
	pwBytes := make([]byte, 14)
	copy(pwBytes, pw)

	var out [16]byte
	copy(out[0:8], desEncryptHalf(pwBytes[0:7], magic))
	copy(out[8:16], desEncryptHalf(pwBytes[7:14], magic))
	return out
}

func desEncryptHalf(key7 []byte, plain string) []byte {
	key := expandDESKey(key7)
	block, err := des.NewCipher(key)
	if err != nil {
		return make([]byte, 8)
	}
	dst := make([]byte, 8)
	block.Encrypt(dst, []byte(plain))
	return dst
}

// expandDESKey turns a 7-byte key into DES's 8-byte form by inserting a
// parity bit every 7 bits (parity value itself is irrelevant to DES).
func expandDESKey(key7 []byte) []byte {
	var k7 [7]byte
	copy(k7[:], key7)
	key8 := make([]byte, 8)
	key8[0] = k7[0] & 0xFE
	key8[1] = (k7[0]<<7 | k7[1]>>1) & 0xFE
	key8[2] = (k7[1]<<6 | k7[2]>>2) & 0xFE
	key8[3] = (k7[2]<<5 | k7[3]>>3) & 0xFE
	key8[4] = (k7[3]<<4 | k7[4]>>4) & 0xFE
	key8[5] = (k7[4]<<3 | k7[5]>>5) & 0xFE
	key8[6] = (k7[5]<<2 | k7[6]>>6) & 0xFE
	key8[7] = (k7[6] << 1) & 0xFE
	return key8
}

func ntHash(password string) [16]byte {
	h := md4.New()
	h.Write(utf16le(password))
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

func ntlmv1Response(hash [16]byte, challenge [8]byte) []byte {
	key1 := expandDESKey(hash[0:7])
	key2 := expandDESKey(hash[7:14])
	key3 := expandDESKey(append(hash[14:16], 0, 0, 0, 0, 0))

	out := make([]byte, 24)
	encryptBlock(key1, challenge[:], out[0:8])
	encryptBlock(key2, challenge[:], out[8:16])
	encryptBlock(key3, challenge[:], out[16:24])
	return out
}

func encryptBlock(key, plain, dst []byte) {
	block, err := des.NewCipher(key)
	if err != nil {
		return
	}
	block.Encrypt(dst, plain)
}
