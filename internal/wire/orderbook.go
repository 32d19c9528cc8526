package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Sides of the book as they appear on the wire.
const (
	SideBid   = "BID"
	SideOffer = "OFFER"
)

// Level is one price point on one side of the book. Price and Value keep
// the exact wire representation (integer or fixed-point decimal); whether
// total_value is a currency integer is the broker's business, so parsing
// to a number is left to whoever analyzes the CSVs.
type Level struct {
	Price string
	Lots  int64
	Value string
}

// OrderbookUpdate is a parsed "#O|TICKER|SIDE|p;l;v|..." payload.
type OrderbookUpdate struct {
	Ticker string
	Side   string
	Levels []Level
}

const payloadPrefix = "#O"

// ParseOrderbookPayload splits an orderbook payload string. Any malformed
// segment fails the whole payload so the caller can drop the frame and
// keep the connection.
func ParseOrderbookPayload(raw string) (*OrderbookUpdate, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 4 {
		return nil, fmt.Errorf("wire: orderbook payload has %d segments, need at least 4", len(parts))
	}
	if parts[0] != payloadPrefix {
		return nil, fmt.Errorf("wire: orderbook payload starts with %q, want %q", parts[0], payloadPrefix)
	}

	side := strings.TrimSpace(parts[2])
	if side != SideBid && side != SideOffer {
		return nil, fmt.Errorf("wire: unknown orderbook side %q", side)
	}

	update := &OrderbookUpdate{
		Ticker: strings.TrimSpace(parts[1]),
		Side:   side,
		Levels: make([]Level, 0, len(parts)-3),
	}

	for _, seg := range parts[3:] {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		lvl, err := parseLevel(seg)
		if err != nil {
			return nil, err
		}
		update.Levels = append(update.Levels, lvl)
	}
	return update, nil
}

func parseLevel(seg string) (Level, error) {
	fields := strings.Split(seg, ";")
	if len(fields) < 3 {
		return Level{}, fmt.Errorf("wire: orderbook level %q has %d fields, need 3", seg, len(fields))
	}
	if _, err := decimal.NewFromString(fields[0]); err != nil {
		return Level{}, fmt.Errorf("wire: orderbook level price %q: %w", fields[0], err)
	}
	lots, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Level{}, fmt.Errorf("wire: orderbook level lots %q: %w", fields[1], err)
	}
	if _, err := decimal.NewFromString(fields[2]); err != nil {
		return Level{}, fmt.Errorf("wire: orderbook level value %q: %w", fields[2], err)
	}
	return Level{Price: fields[0], Lots: lots, Value: fields[2]}, nil
}

// Payload re-joins the update with the documented separators. For any
// payload without empty segments, Payload(Parse(s)) == s.
func (u *OrderbookUpdate) Payload() string {
	var b strings.Builder
	b.WriteString(payloadPrefix)
	b.WriteByte('|')
	b.WriteString(u.Ticker)
	b.WriteByte('|')
	b.WriteString(u.Side)
	for _, lvl := range u.Levels {
		b.WriteByte('|')
		b.WriteString(lvl.Price)
		b.WriteByte(';')
		b.WriteString(strconv.FormatInt(lvl.Lots, 10))
		b.WriteByte(';')
		b.WriteString(lvl.Value)
	}
	return b.String()
}
