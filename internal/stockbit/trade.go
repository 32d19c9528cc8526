package stockbit

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Text is a string field that also accepts JSON numbers and null; the broker
// is not consistent about quoting numeric fields between deployments.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	// Number literal: keep the exact wire representation.
	*t = Text(b)
	return nil
}

// Trade is one running-trade row as the broker returns it.
type Trade struct {
	ID          Text `json:"id"`
	Date        Text `json:"date"`
	Time        Text `json:"time"`
	Action      Text `json:"action"`
	Code        Text `json:"code"`
	Price       Text `json:"price"`
	Change      Text `json:"change"`
	Lot         Text `json:"lot"`
	Buyer       Text `json:"buyer"`
	Seller      Text `json:"seller"`
	TradeNumber Text `json:"trade_number"`
	BuyerType   Text `json:"buyer_type"`
	SellerType  Text `json:"seller_type"`
	MarketBoard Text `json:"market_board"`
}

// CSVRow renders the trade in running-trade column order. The broker omits
// the date on some rows, so the task date fills the gap; price loses its
// thousands separators and change its %/+ decoration.
func (t *Trade) CSVRow(taskDate string) []string {
	date := string(t.Date)
	if date == "" {
		date = taskDate
	}
	price := strings.ReplaceAll(string(t.Price), ",", "")
	change := strings.NewReplacer("%", "", "+", "").Replace(string(t.Change))
	return []string{
		string(t.ID), date, string(t.Time), string(t.Action), string(t.Code),
		price, change, string(t.Lot), string(t.Buyer), string(t.Seller),
		string(t.TradeNumber), string(t.BuyerType), string(t.SellerType),
		string(t.MarketBoard),
	}
}
