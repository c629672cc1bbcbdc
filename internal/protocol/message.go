package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
)

// Type identifies the kind of a protocol message.
type Type string

// Message types exchanged between the cluster service and its peers.
const (
	TypeNone      Type = ""
	TypeQuery     Type = "?"
	TypeBang      Type = "!"
	TypeHello     Type = "hello"
	TypeBroadcast Type = "broadcast"
	TypeStat      Type = "stat"
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
)

var knownTypes = map[Type]bool{
	TypeNone: true, TypeQuery: true, TypeBang: true, TypeHello: true,
	TypeBroadcast: true, TypeStat: true, TypeRequest: true, TypeResponse: true,
}

// Valid reports whether t is one of the known message types.
func (t Type) Valid() bool {
	return knownTypes[t]
}

// SimpleSet is a flat map of scalar values (string, number or null).
type SimpleSet map[string]any

// Message is the envelope of every message on a connection.
// Bang carries the "!" field some replies use in place of type.
type Message struct {
	Type  Type              `json:"type,omitempty"`
	Bang  Type              `json:"!,omitempty"`
	ID    string            `json:"id,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
	List  []json.RawMessage `json:"list,omitempty"`
	TS    int64             `json:"ts,omitempty"`
	Stat  SimpleSet         `json:"stat,omitempty"`
	Error any               `json:"error,omitempty"`
}

// typeOnly reports whether m carries nothing but its type.
func (m Message) typeOnly() bool {
	return m.Bang == "" && m.ID == "" && len(m.Data) == 0 && m.List == nil &&
		m.TS == 0 && m.Stat == nil && m.Error == nil
}

// MessageRequest is the payload of a request message.
type MessageRequest struct {
	ID    string          `json:"id,omitempty"`
	Param map[string]any  `json:"param,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Async *bool           `json:"async,omitempty"`
}

// IsAsync reports whether the request asked for asynchronous handling.
func (r MessageRequest) IsAsync() bool {
	return r.Async != nil && *r.Async
}

// MessageHello is the payload of the hello acknowledgement sent on connect.
type MessageHello struct {
	I       int64  `json:"i"`
	ID      string `json:"id"`
	Cluster string `json:"cluster"`
}

// Encode renders a message for the wire: the bare type string when the
// message carries nothing else, compact JSON otherwise.
func Encode(m Message) ([]byte, error) {
	if m.typeOnly() {
		return []byte(m.Type), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %q message: %w", m.Type, err)
	}
	return data, nil
}

// ParseMessage decodes a wire body. A body not starting with '{' is taken as
// a bare type. A JSON body without type falls back to its "!" field. A body
// that fails to parse yields an untyped message with the raw body as data and
// the parse failure as error.
func ParseMessage(body string) Message {
	if !strings.HasPrefix(body, "{") {
		return Message{Type: Type(body)}
	}
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		raw, _ := json.Marshal(body)
		return Message{Data: raw, Error: err.Error()}
	}
	if m.Type == "" {
		m.Type = m.Bang
	}
	return m
}

// ParseBody decodes a JSON object body. Bodies that do not look like a
// JSON object are returned under key; malformed JSON additionally carries
// the parse failure under "error".
func ParseBody(body string, key string) map[string]any {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return map[string]any{key: body}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return map[string]any{key: body, "error": err.Error()}
	}
	return out
}

// Factory builds messages stamped with its clock.
type Factory struct {
	clock clock.Clock
}

// NewFactory returns a factory reading time from clk.
func NewFactory(clk clock.Clock) *Factory {
	return &Factory{clock: clk}
}

// Prepare builds a message of type t carrying data.
// data may be nil, raw JSON or any JSON-encodable value.
func (f *Factory) Prepare(t Type, data any, id string) (Message, error) {
	raw, err := RawData(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, ID: id, Data: raw, TS: f.clock.Now().UnixMilli()}, nil
}

// PrepareRequest builds a request message. id is required so the response
// can be correlated.
func (f *Factory) PrepareRequest(id string, data any) (Message, error) {
	if id == "" {
		return Message{}, fmt.Errorf("@id (string) is required - prepare request")
	}
	return f.Prepare(TypeRequest, data, id)
}

// PrepareResponse builds the response to req, reusing its id.
func (f *Factory) PrepareResponse(req Message, data any) (Message, error) {
	if req.ID == "" {
		return Message{}, fmt.Errorf("@id (string) is required - prepare response")
	}
	return f.Prepare(TypeResponse, data, req.ID)
}

// RawData encodes data for a message payload.
func RawData(data any) (json.RawMessage, error) {
	switch d := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode message data: %w", err)
		}
		return raw, nil
	}
}

// ExtractStat keeps the string and number values of n. Null and empty
// string values map to nil, marking the key as cleared.
func ExtractStat(n map[string]any) SimpleSet {
	if n == nil {
		return nil
	}
	out := SimpleSet{}
	for k, v := range n {
		switch {
		case v == nil:
			out[k] = nil
		case v == "":
			out[k] = nil
		case isScalar(v):
			out[k] = v
		}
	}
	return out
}

// ExtractMeta keeps only the string and number values of n.
func ExtractMeta(n map[string]any) SimpleSet {
	if n == nil {
		return nil
	}
	out := SimpleSet{}
	for k, v := range n {
		if isScalar(v) {
			out[k] = v
		}
	}
	return out
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, float32, int, int32, int64, json.Number:
		return true
	default:
		return false
	}
}

// DiffKeys returns the sorted keys whose presence or value differ between
// a and b.
func DiffKeys(a, b map[string]any) []string {
	keys := []string{}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !sameValue(av, bv) {
			keys = append(keys, k)
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := number(a); ok {
		bf, ok := number(b)
		return ok && af == bf
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(aj) == string(bj)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
