package wire

import (
	"bytes"
	"errors"
	"testing"
)

// TestSubscribeRoundTrip covers the documented 3-ticker case: the nested
// group must carry 12 entries, grouped by derived form.
func TestSubscribeRoundTrip(t *testing.T) {
	req := &SubscribeRequest{
		UserID:     4826457,
		Tickers:    []string{"BBCA", "TLKM", "BBRI"},
		TradingKey: "K",
		Token:      "T",
	}

	data, err := req.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeSubscribeRequest(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.UserID != req.UserID {
		t.Errorf("user id = %d, want %d", decoded.UserID, req.UserID)
	}
	if decoded.TradingKey != "K" {
		t.Errorf("trading key = %q, want K", decoded.TradingKey)
	}
	if decoded.Token != "T" {
		t.Errorf("token = %q, want T", decoded.Token)
	}

	want := []string{
		"BBCA", "TLKM", "BBRI",
		"2BBCA", "2TLKM", "2BBRI",
		":BBCA", ":TLKM", ":BBRI",
		"JBBCA", "JTLKM", "JBBRI",
	}
	if len(decoded.TickerEntries) != len(want) {
		t.Fatalf("got %d ticker entries, want %d", len(decoded.TickerEntries), len(want))
	}
	for i, entry := range want {
		if decoded.TickerEntries[i] != entry {
			t.Errorf("entry %d = %q, want %q", i, decoded.TickerEntries[i], entry)
		}
	}
}

func TestSubscribeEncodeDeterministic(t *testing.T) {
	req := &SubscribeRequest{UserID: 1, Tickers: []string{"BBRI"}, TradingKey: "key", Token: "tok"}
	a, err := req.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	b, err := req.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("two encodings of the same request differ")
	}
}

func TestSubscribeRejectsEmptyTickers(t *testing.T) {
	req := &SubscribeRequest{UserID: 1, TradingKey: "k", Token: "t"}
	if _, err := req.Encode(); err == nil {
		t.Error("expected error for empty ticker set")
	}
}

func TestOrderbookFrameRoundTrip(t *testing.T) {
	frame := &OrderbookFrame{
		Ticker:  "BBCA",
		Payload: "#O|BBCA|BID|9100;120;109200000|9075;88;79860000",
		Extra: []RawField{
			{Number: 3, Type: 0, Uint: 1},
			{Number: 5, Type: 2, Bytes: []byte("2025-11-03T10:15:00")},
			{Number: 9, Type: 0, Uint: 1762137300},
		},
	}

	data := EncodeOrderbookFrame(frame)

	decoded, err := DecodeOrderbookFrame(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded == nil {
		t.Fatal("decode returned nil frame")
	}
	if decoded.Ticker != "BBCA" {
		t.Errorf("ticker = %q, want BBCA", decoded.Ticker)
	}
	if decoded.Payload != frame.Payload {
		t.Errorf("payload = %q, want %q", decoded.Payload, frame.Payload)
	}
	if decoded.Timestamp() != "2025-11-03T10:15:00" {
		t.Errorf("timestamp = %q, want sub-field 5 value", decoded.Timestamp())
	}

	// Re-encoding the decoded frame must reproduce the original bytes.
	again := EncodeOrderbookFrame(decoded)
	if !bytes.Equal(again, data) {
		t.Error("re-encoded frame differs from original bytes")
	}
}

func TestOrderbookFrameWithoutField10(t *testing.T) {
	// A lone varint field: valid frame, nothing for us in it.
	var buf []byte
	buf = appendVarintField(buf, 7, 42)

	frame, err := DecodeOrderbookFrame(buf)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if frame != nil {
		t.Errorf("expected nil frame, got %+v", frame)
	}
}

func TestDecodeLengthBeyondFrame(t *testing.T) {
	var buf []byte
	buf = appendTag(buf, fieldOrderbook, wireBytes)
	buf = appendUvarint(buf, 200) // claims 200 bytes, none follow

	_, err := DecodeOrderbookFrame(buf)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestDecodeTruncatedVarint(t *testing.T) {
	_, err := DecodeSubscribeRequest([]byte{0x80, 0x80, 0x80})
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %v", err)
	}
}

func TestMultiByteVarint(t *testing.T) {
	var buf []byte
	buf = appendUvarint(buf, 4826457)
	v, next, err := readUvarint(buf, 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if v != 4826457 || next != len(buf) {
		t.Errorf("got (%d, %d), want (4826457, %d)", v, next, len(buf))
	}
}
