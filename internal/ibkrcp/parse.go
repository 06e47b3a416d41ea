package ibkrcp

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"level2-signal/internal/depth"
)

// Market data field ids requested on smd topics.
const (
	fieldLastPrice = "31"
	fieldLastSize  = "7059"
)

// flexNumber accepts a JSON number or a gateway-formatted string such as
// "1,400", "C171.63" or "171.58 (171.57)". Only the leading token counts.
type flexNumber struct {
	v  decimal.Decimal
	ok bool
}

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	v, ok := parseGatewayNumber(s)
	n.v, n.ok = v, ok
	return nil
}

func parseGatewayNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " ("); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimLeft(s, "CH")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Decimal{}, false
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return v, true
}

type bookRow struct {
	Side     string     `json:"side"`
	Price    flexNumber `json:"price"`
	Size     flexNumber `json:"size"`
	Bid      flexNumber `json:"bid"` // newer builds: size keyed by side
	Ask      flexNumber `json:"ask"`
	Venue    string     `json:"venue"`    // some builds use "venue"
	Exchange string     `json:"exchange"` // others use "exchange"
	Level    int        `json:"level"`
	Row      int        `json:"row"`
}

type inboundDepth struct {
	Topic string    `json:"topic"`
	Rows  []bookRow `json:"rows"`
	Data  []bookRow `json:"data"` // many IBKR builds use "data" not "rows"
}

// parseDepth decodes a book-depth frame into per-side rows. ok is false for
// frames that carry no rows. Rows keep their feed order; the book sorts.
func parseDepth(data []byte) (bids, asks []depth.DepthLevel, ok bool) {
	var msg inboundDepth
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, false
	}
	if msg.Topic != "" && !strings.HasPrefix(msg.Topic, "sbd") {
		return nil, nil, false
	}
	rows := msg.Rows
	if len(rows) == 0 {
		rows = msg.Data
	}
	for _, r := range rows {
		if !r.Price.ok {
			continue
		}
		side, size := rowSide(r)
		if side == "" {
			continue
		}
		venue := r.Venue
		if venue == "" {
			venue = r.Exchange
		}
		level := r.Level
		if level == 0 {
			level = r.Row
		}
		dl := depth.DepthLevel{
			Side:  side,
			Price: r.Price.v,
			Size:  size,
			Venue: venue,
			Level: level,
		}
		if side == depth.Bid {
			bids = append(bids, dl)
		} else {
			asks = append(asks, dl)
		}
	}
	return bids, asks, len(bids)+len(asks) > 0
}

func rowSide(r bookRow) (depth.Side, float64) {
	switch strings.ToUpper(r.Side) {
	case "BID", "B":
		return depth.Bid, r.Size.v.InexactFloat64()
	case "ASK", "A":
		return depth.Ask, r.Size.v.InexactFloat64()
	}
	if r.Ask.ok {
		return depth.Ask, r.Ask.v.InexactFloat64()
	}
	if r.Bid.ok {
		return depth.Bid, r.Bid.v.InexactFloat64()
	}
	return "", 0
}

type marketData struct {
	Price    float64
	HasPrice bool
	Size     float64
	HasSize  bool
	Updated  time.Time
}

// parseMarketData decodes an smd frame. ok is false for anything else.
func parseMarketData(data []byte) (marketData, bool) {
	if !bytes.Contains(data, []byte(`"smd`)) {
		return marketData{}, false
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return marketData{}, false
	}
	var topic string
	if err := json.Unmarshal(raw["topic"], &topic); err != nil || !strings.HasPrefix(topic, "smd") {
		return marketData{}, false
	}
	var md marketData
	if b, ok := raw[fieldLastPrice]; ok {
		var n flexNumber
		if err := n.UnmarshalJSON(b); err == nil && n.ok && n.v.IsPositive() {
			md.Price, md.HasPrice = n.v.InexactFloat64(), true
		}
	}
	if b, ok := raw[fieldLastSize]; ok {
		var n flexNumber
		if err := n.UnmarshalJSON(b); err == nil && n.ok && n.v.IsPositive() {
			md.Size, md.HasSize = n.v.InexactFloat64(), true
		}
	}
	if b, ok := raw["_updated"]; ok {
		var ms int64
		if err := json.Unmarshal(b, &ms); err == nil && ms > 0 {
			md.Updated = time.UnixMilli(ms).UTC()
		}
	}
	return md, true
}
