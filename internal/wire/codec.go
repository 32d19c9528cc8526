// Package wire implements the binary protocol spoken on the Stockbit
// trading WebSocket. Frames are sequences of protobuf-style fields:
// a varint header (field_number << 3 | wire_type) followed by either a
// varint payload (wire type 0) or a length-delimited payload (wire type 2).
// No other wire types appear on this endpoint.
package wire

import (
	"fmt"
	"strings"
)

const (
	wireVarint = 0
	wireBytes  = 2
)

// Subscription frame field numbers.
const (
	fieldUserID     = 1
	fieldTickers    = 2
	fieldTradingKey = 3
	fieldToken      = 5
)

// Server frames carry the orderbook update nested under field 10.
const (
	fieldOrderbook      = 10
	subFieldTicker      = 1
	subFieldPayload     = 2
)

// DecodeError reports a malformed frame. The offset points at the byte
// where decoding gave up.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: malformed frame at byte %d: %s", e.Offset, e.Reason)
}

func malformed(offset int, format string, args ...interface{}) error {
	return &DecodeError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// SubscribeRequest is the single client-to-server message that selects
// tickers and presents credentials. It is sent exactly once per connection.
type SubscribeRequest struct {
	UserID     uint64
	Tickers    []string
	TradingKey string
	Token      string
}

// tickerVariants returns the four derived forms the server expects for
// every subscribed ticker, grouped by form: all plain tickers first, then
// the "2"-prefixed, colon-prefixed and "J"-prefixed runs.
func tickerVariants(tickers []string) []string {
	out := make([]string, 0, len(tickers)*4)
	for _, prefix := range []string{"", "2", ":", "J"} {
		for _, t := range tickers {
			out = append(out, prefix+t)
		}
	}
	return out
}

// Encode serializes the subscription frame. The server rejects any other
// field layout, so the order here is fixed: user id (varint field 1), the
// nested ticker group (field 2), the trading key (field 3) and the bearer
// token (field 5).
func (r *SubscribeRequest) Encode() ([]byte, error) {
	if len(r.Tickers) == 0 {
		return nil, fmt.Errorf("wire: subscription needs at least one ticker")
	}

	var inner []byte
	for _, v := range tickerVariants(r.Tickers) {
		inner = appendStringField(inner, fieldTickers, v)
	}

	var buf []byte
	buf = appendVarintField(buf, fieldUserID, r.UserID)
	buf = appendTag(buf, fieldTickers, wireBytes)
	buf = appendUvarint(buf, uint64(len(inner)))
	buf = append(buf, inner...)
	buf = appendStringField(buf, fieldTradingKey, r.TradingKey)
	buf = appendStringField(buf, fieldToken, r.Token)
	return buf, nil
}

// DecodeSubscribeRequest parses a subscription frame back into its fields.
// The ticker list returned contains all four derived forms in wire order.
type DecodedSubscription struct {
	UserID        uint64
	TickerEntries []string
	TradingKey    string
	Token         string
}

func DecodeSubscribeRequest(data []byte) (*DecodedSubscription, error) {
	out := &DecodedSubscription{}
	pos := 0
	for pos < len(data) {
		num, typ, next, err := readTag(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		switch typ {
		case wireVarint:
			v, next, err := readUvarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			if num == fieldUserID {
				out.UserID = v
			}
		case wireBytes:
			payload, next, err := readBytes(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			switch num {
			case fieldTickers:
				entries, err := decodeTickerGroup(payload)
				if err != nil {
					return nil, err
				}
				out.TickerEntries = entries
			case fieldTradingKey:
				out.TradingKey = string(payload)
			case fieldToken:
				out.Token = string(payload)
			}
		default:
			return nil, malformed(pos, "unsupported wire type %d for field %d", typ, num)
		}
	}
	return out, nil
}

func decodeTickerGroup(data []byte) ([]string, error) {
	var entries []string
	pos := 0
	for pos < len(data) {
		num, typ, next, err := readTag(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		if typ != wireBytes || num != fieldTickers {
			return nil, malformed(pos, "unexpected field %d (type %d) in ticker group", num, typ)
		}
		payload, next, err := readBytes(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		entries = append(entries, string(payload))
	}
	return entries, nil
}

// RawField preserves a sub-field of the orderbook frame verbatim. Fields
// 3, 4, 5, 8 and 9 carry server timestamps and opaque integers whose exact
// format varies; they are kept as received and never interpreted.
type RawField struct {
	Number int
	Type   int    // wireVarint or wireBytes
	Uint   uint64 // set when Type == wireVarint
	Bytes  []byte // set when Type == wireBytes
}

// String renders the raw value for CSV timestamps and logs.
func (f RawField) String() string {
	if f.Type == wireVarint {
		return fmt.Sprintf("%d", f.Uint)
	}
	return string(f.Bytes)
}

// OrderbookFrame is the decoded server-to-client update: the nested frame
// found under field 10 of a top-level message.
type OrderbookFrame struct {
	Ticker  string
	Payload string
	Extra   []RawField
}

// Timestamp returns the server timestamp string the original feed carries
// in sub-field 5 (falling back to 9), or "" when neither is present.
func (f *OrderbookFrame) Timestamp() string {
	for _, want := range []int{5, 9} {
		for _, rf := range f.Extra {
			if rf.Number == want {
				return rf.String()
			}
		}
	}
	return ""
}

// DecodeOrderbookFrame walks a top-level server frame, skipping unknown
// fields by consuming their length, and decodes the nested orderbook update
// under field 10. Frames without field 10 yield (nil, nil): the endpoint
// also delivers housekeeping messages we have no use for.
func DecodeOrderbookFrame(data []byte) (*OrderbookFrame, error) {
	pos := 0
	for pos < len(data) {
		num, typ, next, err := readTag(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		switch typ {
		case wireVarint:
			if _, pos, err = readUvarint(data, pos); err != nil {
				return nil, err
			}
		case wireBytes:
			var payload []byte
			if payload, pos, err = readBytes(data, pos); err != nil {
				return nil, err
			}
			if num == fieldOrderbook {
				return decodeNestedOrderbook(payload)
			}
		default:
			return nil, malformed(pos, "unsupported wire type %d for field %d", typ, num)
		}
	}
	return nil, nil
}

func decodeNestedOrderbook(data []byte) (*OrderbookFrame, error) {
	frame := &OrderbookFrame{}
	pos := 0
	for pos < len(data) {
		num, typ, next, err := readTag(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		switch typ {
		case wireVarint:
			v, next, err := readUvarint(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			frame.Extra = append(frame.Extra, RawField{Number: num, Type: wireVarint, Uint: v})
		case wireBytes:
			payload, next, err := readBytes(data, pos)
			if err != nil {
				return nil, err
			}
			pos = next
			switch num {
			case subFieldTicker:
				frame.Ticker = strings.ToUpper(strings.TrimSpace(string(payload)))
			case subFieldPayload:
				frame.Payload = string(payload)
			default:
				frame.Extra = append(frame.Extra, RawField{Number: num, Type: wireBytes, Bytes: payload})
			}
		default:
			return nil, malformed(pos, "unsupported wire type %d for field %d", typ, num)
		}
	}
	return frame, nil
}

// EncodeOrderbookFrame builds a full top-level server frame around the
// update. The nested frame is written as field 1, field 2, then the Extra
// fields in order, which matches the layout the live feed produces.
func EncodeOrderbookFrame(frame *OrderbookFrame) []byte {
	var inner []byte
	inner = appendStringField(inner, subFieldTicker, frame.Ticker)
	inner = appendStringField(inner, subFieldPayload, frame.Payload)
	for _, rf := range frame.Extra {
		switch rf.Type {
		case wireVarint:
			inner = appendVarintField(inner, rf.Number, rf.Uint)
		case wireBytes:
			inner = appendTag(inner, rf.Number, wireBytes)
			inner = appendUvarint(inner, uint64(len(rf.Bytes)))
			inner = append(inner, rf.Bytes...)
		}
	}

	var buf []byte
	buf = appendTag(buf, fieldOrderbook, wireBytes)
	buf = appendUvarint(buf, uint64(len(inner)))
	buf = append(buf, inner...)
	return buf
}

// --- varint / field primitives ---

func appendUvarint(buf []byte, v uint64) []byte {
	for v > 0x7f {
		buf = append(buf, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func appendTag(buf []byte, field, wireType int) []byte {
	return appendUvarint(buf, uint64(field)<<3|uint64(wireType))
}

func appendVarintField(buf []byte, field int, v uint64) []byte {
	buf = appendTag(buf, field, wireVarint)
	return appendUvarint(buf, v)
}

func appendStringField(buf []byte, field int, s string) []byte {
	buf = appendTag(buf, field, wireBytes)
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readUvarint(data []byte, pos int) (uint64, int, error) {
	var v uint64
	var shift uint
	start := pos
	for pos < len(data) {
		b := data[pos]
		pos++
		if shift >= 64 {
			return 0, 0, malformed(start, "varint overflows 64 bits")
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, pos, nil
		}
		shift += 7
	}
	return 0, 0, malformed(start, "truncated varint")
}

func readTag(data []byte, pos int) (field, wireType, next int, err error) {
	tag, next, err := readUvarint(data, pos)
	if err != nil {
		return 0, 0, 0, err
	}
	return int(tag >> 3), int(tag & 0x7), next, nil
}

func readBytes(data []byte, pos int) ([]byte, int, error) {
	n, next, err := readUvarint(data, pos)
	if err != nil {
		return nil, 0, err
	}
	if n > uint64(len(data)-next) {
		return nil, 0, malformed(pos, "length %d exceeds remaining %d bytes", n, len(data)-next)
	}
	return data[next : next+int(n)], next + int(n), nil
}
