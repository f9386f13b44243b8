package bybit

import "encoding/json"

// wsRequest is the client-to-server operation envelope.
type wsRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// wsEnvelope covers both operation acks (Op set) and topic pushes (Topic set).
type wsEnvelope struct {
	Op      string          `json:"op,omitempty"`
	Success *bool           `json:"success,omitempty"`
	RetMsg  string          `json:"ret_msg,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wsOrderbookData is the v5 orderbook payload, shared by snapshot and delta
// pushes. UpdateID restarts at 1 when the venue service restarts.
type wsOrderbookData struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}
