package codec

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"hash"
	"testing"
)

func hmacNew(secret []byte) hash.Hash { return hmac.New(md5.New, secret) }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	secret := []byte("testing123")
	b := NewBridge(4096)

	req := Request{
		Code:                        CodeAccessRequest,
		RequireMessageAuthenticator: true,
		Pairs: []Pair{
			{Type: 1, Value: []byte("bob")}, // User-Name
		},
	}

	pkt, authenticator, err := b.Encode(secret, req, 7)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if pkt[1] != 7 {
		t.Fatalf("packet id = %d, want 7", pkt[1])
	}

	// Simulate a server reply: Access-Accept signed the same way, carrying
	// its own Message-Authenticator since the request required one.
	reply := buildSignedReply(t, secret, CodeAccessAccept, 7, authenticator)

	result, fail := b.Decode(secret, CodeAccessRequest, authenticator, reply, false)
	if fail != DecodeOK {
		t.Fatalf("Decode failed: %v", fail)
	}
	if result.Code != CodeAccessAccept {
		t.Fatalf("decoded code = %d, want %d", result.Code, CodeAccessAccept)
	}
	if !result.HasMessageAuthenticator {
		t.Fatal("HasMessageAuthenticator = false, want true")
	}
}

func TestDecodeRejectsBadResponseAuthenticator(t *testing.T) {
	secret := []byte("testing123")
	b := NewBridge(4096)

	var authenticator [16]byte
	reply := buildSignedReply(t, secret, CodeAccessAccept, 1, authenticator)
	reply[19] ^= 0xFF // corrupt the response authenticator

	_, fail := b.Decode(secret, CodeAccessRequest, authenticator, reply, false)
	if fail == DecodeOK {
		t.Fatal("Decode accepted a corrupted response authenticator")
	}
}

func TestDecodeRejectsUnknownReplyCode(t *testing.T) {
	secret := []byte("testing123")
	b := NewBridge(4096)

	var authenticator [16]byte
	// Accounting-Response is not a valid reply to Access-Request.
	reply := buildReply(t, secret, CodeAccountingResponse, 1, authenticator, nil)

	_, fail := b.Decode(secret, CodeAccessRequest, authenticator, reply, false)
	if fail != DecodeUnknownPacketCode {
		t.Fatalf("fail = %v, want DecodeUnknownPacketCode", fail)
	}
}

func TestDecodeTruncatedPacket(t *testing.T) {
	b := NewBridge(4096)
	var authenticator [16]byte
	_, fail := b.Decode([]byte("secret"), CodeAccessRequest, authenticator, []byte{1, 2, 3}, false)
	if fail != DecodeMinLengthPacket {
		t.Fatalf("fail = %v, want DecodeMinLengthPacket", fail)
	}
}

func TestReplyOutcomeTable(t *testing.T) {
	cases := []struct {
		code byte
		want Outcome
	}{
		{CodeAccessAccept, OutcomeOK},
		{CodeAccessReject, OutcomeReject},
		{CodeAccessChallenge, OutcomeUpdated},
		{CodeProtocolError, OutcomeHandled},
		{CodeCoARequest, OutcomeFAIL}, // unmapped: a request code, not a valid reply
	}
	for _, c := range cases {
		if got := ReplyOutcome(c.code); got != c.want {
			t.Errorf("ReplyOutcome(%d) = %v, want %v", c.code, got, c.want)
		}
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{2, 1, 0, 20, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		b := NewBridge(4096)
		var authenticator [16]byte
		// Must never panic regardless of input.
		b.Decode([]byte("secret"), CodeAccessRequest, authenticator, data, false)
	})
}

// buildReply constructs a minimal signed reply packet without going through
// Bridge.Encode (which only builds requests), for use as test fixture data.
// It carries no Message-Authenticator.
func buildReply(t *testing.T, secret []byte, code byte, id byte, requestAuthenticator [16]byte, extra []Pair) []byte {
	t.Helper()
	body, _, err := encodeAttributes(extra, false)
	if err != nil {
		t.Fatalf("encodeAttributes: %v", err)
	}
	pkt := assembleReply(secret, code, id, requestAuthenticator, body)
	return pkt
}

// buildSignedReply builds a reply carrying a valid Message-Authenticator,
// as a home server answering an Access-Request is expected to.
func buildSignedReply(t *testing.T, secret []byte, code byte, id byte, requestAuthenticator [16]byte) []byte {
	t.Helper()
	body, msgAuthOffset, err := encodeAttributes(nil, true)
	if err != nil {
		t.Fatalf("encodeAttributes: %v", err)
	}

	total := HeaderLen + len(body)
	pkt := make([]byte, total)
	pkt[0] = code
	pkt[1] = id
	pkt[2] = byte(total >> 8)
	pkt[3] = byte(total)
	copy(pkt[4:20], requestAuthenticator[:])
	copy(pkt[HeaderLen:], body)

	mac := hmacMD5(secret, pkt)
	copy(pkt[HeaderLen+msgAuthOffset:HeaderLen+msgAuthOffset+16], mac)

	sum := responseAuthenticator(secret, pkt, requestAuthenticator)
	copy(pkt[4:20], sum)
	return pkt
}

func assembleReply(secret []byte, code, id byte, requestAuthenticator [16]byte, body []byte) []byte {
	total := HeaderLen + len(body)
	pkt := make([]byte, total)
	pkt[0] = code
	pkt[1] = id
	pkt[2] = byte(total >> 8)
	pkt[3] = byte(total)
	copy(pkt[HeaderLen:], body)
	sum := responseAuthenticator(secret, pkt, requestAuthenticator)
	copy(pkt[4:20], sum)
	return pkt
}

func responseAuthenticator(secret, pkt []byte, requestAuthenticator [16]byte) []byte {
	// mirrors Decode's verification formula: MD5(code|id|len|request_auth|attrs|secret)
	buf := bytes.NewBuffer(nil)
	buf.Write(pkt[:4])
	buf.Write(requestAuthenticator[:])
	buf.Write(pkt[HeaderLen:])
	buf.Write(secret)
	sum := md5.Sum(buf.Bytes())
	return sum[:]
}

func hmacMD5(secret, pkt []byte) []byte {
	mac := hmacNew(secret)
	mac.Write(pkt)
	return mac.Sum(nil)
}
