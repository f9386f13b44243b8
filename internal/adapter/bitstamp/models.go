package bitstamp

import "encoding/json"

// wsRequest is the bts operation envelope.
type wsRequest struct {
	Event string        `json:"event"`
	Data  wsChannelData `json:"data"`
}

type wsChannelData struct {
	Channel string `json:"channel"`
}

// wsMessage is any server push: subscription acks, reconnect requests, and
// order book data all share the envelope.
type wsMessage struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// wsOrderBook is one full top-of-book snapshot. The venue publishes no
// usable sequence ids on this channel, only timestamps.
type wsOrderBook struct {
	Timestamp      string     `json:"timestamp"`
	Microtimestamp string     `json:"microtimestamp"`
	Bids           [][]string `json:"bids"`
	Asks           [][]string `json:"asks"`
}
