package proto

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Envelope is the dynamic typed WS frame described in spec.md §9: a JSON
// object whose keys are message types, plus an optional "id" used to tag
// the originating remote-tunnel sender. Unknown keys are ignored rather
// than treated as errors, matching the corpus's tolerant CLI/RPC parsing
// style (e.g. ap.mcp's handleRequest ignores fields it doesn't recognize).
type Envelope struct {
	raw map[string]json.RawMessage
	ID  string
}

// ParseEnvelope decodes a single WS text frame into an Envelope. It is the
// only place a malformed frame surfaces as an error; everything downstream
// treats a missing key as "this message doesn't apply to me".
func ParseEnvelope(data []byte) (*Envelope, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parse envelope")
	}

	e := &Envelope{raw: m}
	if idRaw, ok := m["id"]; ok {
		_ = json.Unmarshal(idRaw, &e.ID)
	}
	return e, nil
}

// Has reports whether the envelope carries the given top-level key.
func (e *Envelope) Has(key string) bool {
	_, ok := e.raw[key]
	return ok
}

// Decode unmarshals the payload under key into v. It is a no-op (and
// returns false) if the envelope doesn't carry that key.
func (e *Envelope) Decode(key string, v interface{}) (bool, error) {
	raw, ok := e.raw[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, errors.Wrapf(err, "decode %q", key)
	}
	return true, nil
}

// Frame builds a single-key server->client frame, optionally tagged with a
// sender id for relay routing.
func Frame(kind string, payload interface{}, id string) map[string]interface{} {
	f := map[string]interface{}{kind: payload}
	if id != "" {
		f["id"] = id
	}
	return f
}
