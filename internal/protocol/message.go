// Package protocol implements the WebSocket message exchange: clients
// subscribe to sets of live views and receive their transactions.
package protocol

import (
	"encoding/json"

	"github.com/zoravur/liveview/pkg/dataevent"
)

const (
	TypePing         = "ping"
	TypePong         = "pong"
	TypeSubscribe    = "subscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribe  = "unsubscribe"
	TypeUnsubscribed = "unsubscribed"
	TypeTransaction  = "transaction"
	TypeError        = "error"
)

type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ViewSpec describes one view of a subscription. A param value of the form
// {"$view": "departments", "$field": "id"} binds the param to the values of
// a field of an earlier view in the same subscription; "$single": true binds
// a single value instead of a list.
type ViewSpec struct {
	Name      string                     `json:"name,omitempty"`
	SQL       string                     `json:"sql"`
	Params    map[string]json.RawMessage `json:"params,omitempty"`
	KeyFields []string                   `json:"keyFields,omitempty"`
}

type Subscribe struct {
	Message
	Views []ViewSpec `json:"views"`
}

type Unsubscribe struct {
	Message
}

type ViewInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	KeyFields []string `json:"keyFields"`
}

type Subscribed struct {
	Message
	ViewSet string     `json:"viewSet"`
	Views   []ViewInfo `json:"views"`
}

// Event is a dataevent.DataEvent as sent to clients. EditHandle addresses
// the source row of events of single-table views.
type Event struct {
	Type       dataevent.Type `json:"type"`
	View       string         `json:"view"`
	Key        string         `json:"key,omitempty"`
	Record     dataevent.Row  `json:"record,omitempty"`
	EditHandle string         `json:"editHandle,omitempty"`
}

type Transaction struct {
	Message
	TxID   string  `json:"txId"`
	Events []Event `json:"events"`
}

type Error struct {
	Message
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type dynamicRef struct {
	View   string `json:"$view"`
	Field  string `json:"$field"`
	Single bool   `json:"$single"`
}

func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}
