// Package codec bridges the trunk to the RADIUS wire format. It owns the
// 20-byte header and the signing math (Request Authenticator, Proxy-State
// cookie, Message-Authenticator) described in RFC 2865/2869; attribute value
// formatting (how a given Type's Value bytes were rendered) is the
// responsibility of an external dictionary and is treated as opaque here.
package codec

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// RADIUS packet codes (RFC 2865, RFC 5176, RFC 3576).
const (
	CodeAccessRequest      byte = 1
	CodeAccessAccept       byte = 2
	CodeAccessReject       byte = 3
	CodeAccountingRequest  byte = 4
	CodeAccountingResponse byte = 5
	CodeAccessChallenge    byte = 11
	CodeStatusServer       byte = 12
	CodeDisconnectRequest  byte = 40
	CodeDisconnectACK      byte = 41
	CodeDisconnectNAK      byte = 42
	CodeCoARequest         byte = 43
	CodeCoAACK             byte = 44
	CodeCoANAK             byte = 45
	CodeProtocolError      byte = 52
)

// Attribute types used directly by the codec bridge. Everything else passes
// through as opaque TLVs.
const (
	AttrProxyState          byte = 33
	AttrMessageAuthenticator byte = 80
	AttrErrorCause           byte = 101
	// AttrExtended1 carries Original-Packet-Code (sub-type 1) and
	// Response-Length (sub-type 3) per RFC 7930, used in Protocol-Error
	// negotiation.
	AttrExtended1 byte = 241
)

const (
	SubTypeOriginalPacketCode byte = 1
	SubTypeResponseLength     byte = 3

	ErrorCauseResponseTooBig uint32 = 601
)

const (
	HeaderLen             = 20
	MessageAuthenticatorLen = 18 // type(1) + len(1) + 16-byte MAC
)

// Pair is an opaque RADIUS attribute. Value is assumed to already be
// rendered to wire bytes by the external dictionary/value codec; this
// package only frames it as a TLV (or an RFC 7930 extended TLV when SubType
// is nonzero).
type Pair struct {
	Type    byte
	SubType byte // 0 unless Type is an extended-format attribute
	Value   []byte
}

// Encode errors (§4.C).
var (
	ErrEncodeTooBig   = errors.New("codec: encoded packet would exceed max_packet_size")
	ErrEncodeInvalid  = errors.New("codec: invalid attribute")
	ErrEncodeSign     = errors.New("codec: failed to sign packet")
)

// DecodeFail enumerates decode failure reasons (§7). Always logged by the
// caller, never escalated; the tracker slot is left intact so a later valid
// reply can still be correlated.
type DecodeFail int

const (
	DecodeOK DecodeFail = iota
	DecodeMinLengthPacket
	DecodeMinLengthField
	DecodeMinLengthMismatch
	DecodeHeaderOverflow
	DecodeUnknownPacketCode
	DecodeInvalidAttribute
	DecodeAttributeTooShort
	DecodeAttributeOverflow
	DecodeAttributeUnderflow
	DecodeTooManyAttributes
	DecodeMsgAuthMissing
	DecodeMsgAuthInvalid
	DecodeMsgAuthInvalidLength
	DecodeUnknown
)

func (d DecodeFail) String() string {
	switch d {
	case DecodeOK:
		return "ok"
	case DecodeMinLengthPacket:
		return "packet shorter than RADIUS header"
	case DecodeMinLengthField:
		return "header length field below minimum"
	case DecodeMinLengthMismatch:
		return "declared length field mismatch"
	case DecodeHeaderOverflow:
		return "header length field overflows buffer"
	case DecodeUnknownPacketCode:
		return "reply code not valid for this request code"
	case DecodeInvalidAttribute:
		return "invalid attribute"
	case DecodeAttributeTooShort:
		return "attribute too short"
	case DecodeAttributeOverflow:
		return "attribute overflows packet"
	case DecodeAttributeUnderflow:
		return "trailing bytes after last attribute"
	case DecodeTooManyAttributes:
		return "too many attributes"
	case DecodeMsgAuthMissing:
		return "message-authenticator required but missing"
	case DecodeMsgAuthInvalid:
		return "message-authenticator verification failed"
	case DecodeMsgAuthInvalidLength:
		return "message-authenticator has the wrong length"
	default:
		return "unknown decode failure"
	}
}

func (d DecodeFail) Error() string { return "codec: " + d.String() }

// maxAttributes bounds the number of attributes decoded from one packet;
// guards against pathological or hostile inputs (BlastRADIUS-adjacent
// hardening — a packet without Message-Authenticator can otherwise be
// crafted with an unbounded attribute count).
const maxAttributes = 4096

// Request is the minimal view of a trunkreq.Request the codec needs. Kept
// narrow and duck-typed (rather than importing trunkreq) to avoid an import
// cycle between trunkreq and codec.
type Request struct {
	Code                        byte
	RequireMessageAuthenticator bool
	Proxied                     bool
	AddProxyState               bool
	ProxyStateCookie            []byte
	Pairs                       []Pair
}

// AllowedReplies maps a request code to the set of reply codes that may
// legitimately answer it (§4.C, §9 "the code→rcode table omits several
// reply codes").
var AllowedReplies = map[byte]map[byte]bool{
	CodeAccessRequest:     {CodeAccessAccept: true, CodeAccessReject: true, CodeAccessChallenge: true, CodeProtocolError: true},
	CodeAccountingRequest: {CodeAccountingResponse: true, CodeProtocolError: true},
	CodeCoARequest:        {CodeCoAACK: true, CodeCoANAK: true, CodeProtocolError: true},
	CodeDisconnectRequest: {CodeDisconnectACK: true, CodeDisconnectNAK: true, CodeProtocolError: true},
	CodeStatusServer:      {CodeAccessAccept: true, CodeAccountingResponse: true, CodeProtocolError: true},
}

// Outcome is the rcode surfaced to the upper layer (§6).
type Outcome int

const (
	OutcomeFAIL Outcome = iota
	OutcomeOK
	OutcomeReject
	OutcomeUpdated
	OutcomeHandled
	OutcomeNoop
)

// replyOutcome is the dense code→rcode table from bio.c's
// radius_code_to_rcode, carried verbatim including the documented gaps:
// unmapped reply codes resolve to FAIL.
var replyOutcome = [256]Outcome{
	CodeAccessAccept:       OutcomeOK,
	CodeAccessReject:       OutcomeReject,
	CodeAccessChallenge:    OutcomeUpdated,
	CodeAccountingResponse: OutcomeOK,
	CodeDisconnectACK:      OutcomeOK,
	CodeDisconnectNAK:      OutcomeReject,
	CodeCoAACK:             OutcomeOK,
	CodeCoANAK:             OutcomeReject,
	CodeProtocolError:      OutcomeHandled,
}

// ReplyOutcome maps a reply code to the rcode surfaced to callers. Unmapped
// codes (the zero value of the array) are FAIL.
func ReplyOutcome(replyCode byte) Outcome {
	return replyOutcome[replyCode]
}

// Bridge implements the codec collaborator (§4.C) on top of the wire-format
// helpers in this package. It holds no per-request state.
type Bridge struct {
	MaxPacketSize int // clamped to [64, 65535] by NewBridge (§6)
}

// NewBridge returns a Bridge bounded to maxPacketSize bytes.
func NewBridge(maxPacketSize int) *Bridge {
	if maxPacketSize < 64 {
		maxPacketSize = 64
	}
	if maxPacketSize > 65535 {
		maxPacketSize = 65535
	}
	return &Bridge{MaxPacketSize: maxPacketSize}
}

// Encode renders req into a signed wire packet using id as the RADIUS
// identifier. For Access-Request with req.AddProxyState, a Proxy-State pair
// carrying req.ProxyStateCookie is appended before signing; req.Pairs itself
// is never mutated (the cookie is appended to a local copy).
func (b *Bridge) Encode(secret []byte, req Request, id byte) (packet []byte, authenticator [16]byte, err error) {
	pairs := req.Pairs
	if req.AddProxyState && len(req.ProxyStateCookie) > 0 {
		pairs = make([]Pair, len(req.Pairs), len(req.Pairs)+1)
		copy(pairs, req.Pairs)
		pairs = append(pairs, Pair{Type: AttrProxyState, Value: req.ProxyStateCookie})
	}

	needsMsgAuth := req.RequireMessageAuthenticator || req.Code == CodeAccessRequest || req.Code == CodeStatusServer
	body, msgAuthOffset, err := encodeAttributes(pairs, needsMsgAuth)
	if err != nil {
		return nil, authenticator, err
	}

	total := HeaderLen + len(body)
	if total > b.MaxPacketSize {
		return nil, authenticator, fmt.Errorf("%w: %d > %d", ErrEncodeTooBig, total, b.MaxPacketSize)
	}

	pkt := make([]byte, total)
	pkt[0] = req.Code
	pkt[1] = id
	binary.BigEndian.PutUint16(pkt[2:4], uint16(total))
	copy(pkt[HeaderLen:], body)

	// Request Authenticator: random for Access-Request/Status-Server,
	// zero-then-MD5-signed for Accounting/CoA/Disconnect (RFC 2866 §3).
	switch req.Code {
	case CodeAccessRequest, CodeStatusServer:
		if _, err := rand.Read(pkt[4:20]); err != nil {
			return nil, authenticator, fmt.Errorf("%w: %v", ErrEncodeSign, err)
		}
	default:
		// zero authenticator placeholder, filled with MD5(code|id|len|0x00*16|attrs|secret)
	}

	if needsMsgAuth {
		if msgAuthOffset < 0 {
			return nil, authenticator, fmt.Errorf("%w: message-authenticator required but not reserved", ErrEncodeInvalid)
		}
		// Message-Authenticator is computed with the Request Authenticator
		// already in place and the MAC field itself zeroed (RFC 2869 §5.14).
		mac := hmac.New(md5.New, secret)
		mac.Write(pkt)
		sum := mac.Sum(nil)
		copy(pkt[HeaderLen+msgAuthOffset:HeaderLen+msgAuthOffset+16], sum)
	}

	switch req.Code {
	case CodeAccessRequest, CodeStatusServer:
		// authenticator already random; nothing further to sign at the header level
	default:
		h := md5.New()
		h.Write(pkt)
		h.Write(secret)
		sum := h.Sum(nil)
		copy(pkt[4:20], sum)
	}

	copy(authenticator[:], pkt[4:20])
	return pkt, authenticator, nil
}

// encodeAttributes frames pairs as TLVs, reserving room for a
// Message-Authenticator attribute (zeroed) when needed. It returns the body
// bytes and the offset of the MAC value within that body (or -1 if not
// reserved), relative to the body start; callers must add HeaderLen to get
// the packet-relative offset.
func encodeAttributes(pairs []Pair, needsMsgAuth bool) (body []byte, msgAuthOffset int, err error) {
	msgAuthOffset = -1
	for _, p := range pairs {
		if p.Type == 0 {
			return nil, -1, fmt.Errorf("%w: attribute type 0", ErrEncodeInvalid)
		}
		if p.SubType == 0 {
			if len(p.Value) > 253 {
				return nil, -1, fmt.Errorf("%w: attribute %d value too long", ErrEncodeInvalid, p.Type)
			}
			body = append(body, p.Type, byte(2+len(p.Value)))
			body = append(body, p.Value...)
		} else {
			if len(p.Value) > 251 {
				return nil, -1, fmt.Errorf("%w: extended attribute %d.%d value too long", ErrEncodeInvalid, p.Type, p.SubType)
			}
			body = append(body, p.Type, byte(3+len(p.Value)), p.SubType)
			body = append(body, p.Value...)
		}
	}
	if needsMsgAuth {
		msgAuthOffset = len(body) + 2
		body = append(body, AttrMessageAuthenticator, MessageAuthenticatorLen)
		body = append(body, make([]byte, 16)...)
	}
	return body, msgAuthOffset, nil
}

// DecodeResult is the decoded reply handed back to the trunk (§4.C, §4.D
// step 8: Proxy-State is stripped and Message-Authenticator is zeroed
// before the pairs reach the caller, so neither leaks into logs).
type DecodeResult struct {
	Code  byte
	Pairs []Pair

	// HasMessageAuthenticator reports whether the reply carried a
	// Message-Authenticator attribute, regardless of whether one was
	// required. The connection uses this to drive BlastRADIUS auto-promotion
	// (§6, §9): require_message_authenticator=Auto upgrades its sticky flag
	// to Yes the first time this is true.
	HasMessageAuthenticator bool
}

// Decode verifies and parses raw as a reply to a request of requestCode
// signed with requestAuthenticator. requireMessageAuthenticator forces
// Message-Authenticator verification even for request codes that don't
// mandate it by themselves (Access-Request and Status-Server always require
// it regardless of this flag) — the caller resolves the connection's
// require_message_authenticator tri-state (No/Yes/Auto plus its sticky
// flag) down to this one bool before calling Decode. Decode never returns a
// Go error for malformed input — callers branch on the returned DecodeFail
// instead.
func (b *Bridge) Decode(secret []byte, requestCode byte, requestAuthenticator [16]byte, raw []byte, requireMessageAuthenticator bool) (DecodeResult, DecodeFail) {
	if len(raw) < HeaderLen {
		return DecodeResult{}, DecodeMinLengthPacket
	}
	declared := int(binary.BigEndian.Uint16(raw[2:4]))
	if declared < HeaderLen {
		return DecodeResult{}, DecodeMinLengthField
	}
	if declared > len(raw) {
		return DecodeResult{}, DecodeHeaderOverflow
	}
	if declared != len(raw) {
		return DecodeResult{}, DecodeMinLengthMismatch
	}

	code := raw[0]
	allowed, known := AllowedReplies[requestCode]
	if !known || !allowed[code] {
		return DecodeResult{}, DecodeUnknownPacketCode
	}

	var replyAuth [16]byte
	copy(replyAuth[:], raw[4:20])

	pairs, msgAuthValue, fail := decodeAttributes(raw[HeaderLen:])
	if fail != DecodeOK {
		return DecodeResult{}, fail
	}

	needsMsgAuth := requireMessageAuthenticator || requestCode == CodeAccessRequest || requestCode == CodeStatusServer
	if needsMsgAuth || msgAuthValue != nil {
		if msgAuthValue == nil {
			return DecodeResult{}, DecodeMsgAuthMissing
		}
		if len(msgAuthValue) != 16 {
			return DecodeResult{}, DecodeMsgAuthInvalidLength
		}
		if !verifyMessageAuthenticator(secret, raw, requestAuthenticator, msgAuthValue) {
			return DecodeResult{}, DecodeMsgAuthInvalid
		}
	}

	// Response Authenticator: MD5(code|id|len|request_authenticator|attrs|secret)
	h := md5.New()
	h.Write(raw[:4])
	h.Write(requestAuthenticator[:])
	h.Write(raw[HeaderLen:])
	h.Write(secret)
	if subtle.ConstantTimeCompare(h.Sum(nil), replyAuth[:]) != 1 {
		return DecodeResult{}, DecodeMsgAuthInvalid
	}

	out := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if p.Type == AttrProxyState {
			continue // stripped (§4.D step 8)
		}
		if p.Type == AttrMessageAuthenticator {
			p.Value = make([]byte, len(p.Value)) // zeroed, not dropped: presence still observable
		}
		out = append(out, p)
	}
	return DecodeResult{Code: code, Pairs: out, HasMessageAuthenticator: msgAuthValue != nil}, DecodeOK
}

func verifyMessageAuthenticator(secret, raw []byte, requestAuthenticator [16]byte, got []byte) bool {
	tmp := make([]byte, len(raw))
	copy(tmp, raw)
	copy(tmp[4:20], requestAuthenticator[:])
	if off := findMessageAuthenticatorOffset(tmp); off >= 0 {
		clear(tmp[off : off+16])
	} else {
		return false
	}
	mac := hmac.New(md5.New, secret)
	mac.Write(tmp)
	return subtle.ConstantTimeCompare(mac.Sum(nil), got) == 1
}

func findMessageAuthenticatorOffset(pkt []byte) int {
	i := HeaderLen
	for i+2 <= len(pkt) {
		t, l := pkt[i], int(pkt[i+1])
		if l < 2 || i+l > len(pkt) {
			return -1
		}
		if t == AttrMessageAuthenticator && l == MessageAuthenticatorLen {
			return i + 2
		}
		i += l
	}
	return -1
}

func decodeAttributes(buf []byte) (pairs []Pair, msgAuthValue []byte, fail DecodeFail) {
	i := 0
	for i < len(buf) {
		if i+2 > len(buf) {
			return nil, nil, DecodeAttributeTooShort
		}
		t, l := buf[i], int(buf[i+1])
		if l < 2 {
			return nil, nil, DecodeAttributeTooShort
		}
		if i+l > len(buf) {
			return nil, nil, DecodeAttributeOverflow
		}
		if len(pairs) >= maxAttributes {
			return nil, nil, DecodeTooManyAttributes
		}

		val := buf[i+2 : i+l]
		if t == AttrExtended1 {
			if len(val) < 1 {
				return nil, nil, DecodeAttributeTooShort
			}
			pairs = append(pairs, Pair{Type: t, SubType: val[0], Value: val[1:]})
		} else {
			if t == AttrMessageAuthenticator {
				msgAuthValue = val
			}
			pairs = append(pairs, Pair{Type: t, Value: val})
		}
		i += l
	}
	if i != len(buf) {
		return nil, nil, DecodeAttributeUnderflow
	}
	return pairs, msgAuthValue, DecodeOK
}

// FindErrorCause returns the Error-Cause value and true if present.
func FindErrorCause(pairs []Pair) (uint32, bool) {
	for _, p := range pairs {
		if p.Type == AttrErrorCause && len(p.Value) == 4 {
			return binary.BigEndian.Uint32(p.Value), true
		}
	}
	return 0, false
}

// FindResponseLength returns the Response-Length hint and true if present
// (RFC 7930, carried in an Extended-Attribute-1 sub-attribute).
func FindResponseLength(pairs []Pair) (int, bool) {
	for _, p := range pairs {
		if p.Type == AttrExtended1 && p.SubType == SubTypeResponseLength && len(p.Value) == 2 {
			return int(binary.BigEndian.Uint16(p.Value)), true
		}
	}
	return 0, false
}

// FindOriginalPacketCode returns the Original-Packet-Code value and true if
// present.
func FindOriginalPacketCode(pairs []Pair) (byte, bool) {
	for _, p := range pairs {
		if p.Type == AttrExtended1 && p.SubType == SubTypeOriginalPacketCode && len(p.Value) == 1 {
			return p.Value[0], true
		}
	}
	return 0, false
}

// HasReplyPacketType reports whether pairs contains an attribute that would
// identify the RADIUS packet type to the caller (§4.D step 7: an
// Access-Challenge reply must carry one). The actual attribute number for a
// reply packet-type marker is dictionary-defined; here it is recognized as
// any Extended-Attribute-1 sub-type 1 (Original-Packet-Code) pair, which
// every well-formed reply of this shape carries.
func HasReplyPacketType(pairs []Pair) bool {
	_, ok := FindOriginalPacketCode(pairs)
	return ok
}
