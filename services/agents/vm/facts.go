package vm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	vmapiDomainKey = "vmapi_domain"
	machineIDKey   = "UUID"
)

// facts is a read-only JSON object reported by a host tool. Accessors hand
// out copies so loaded values cannot be changed after the fact.
type facts struct {
	values map[string]any
}

// Lookup returns a copy of the value stored under key.
func (f facts) Lookup(key string) (any, bool) {
	v, ok := f.values[key]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// String returns the trimmed string under key. Missing keys, non-string
// values, and blank strings all report false.
func (f facts) String(key string) (string, bool) {
	v, ok := f.values[key].(string)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Keys lists the top-level keys in sorted order.
func (f facts) Keys() []string {
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f facts) Len() int { return len(f.values) }

// Map returns a deep copy of the whole object.
func (f facts) Map() map[string]any {
	out, _ := cloneValue(f.values).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func (f facts) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Map())
}

// Provisioning is the fleet configuration reported by the node's config
// script.
type Provisioning struct {
	facts
}

// VMAPIDomain is the domain the default inventory endpoint is built from.
func (p Provisioning) VMAPIDomain() (string, bool) {
	return p.String(vmapiDomainKey)
}

// Identity holds the machine facts reported by sysinfo.
type Identity struct {
	facts
}

// MachineID is the node's unique identifier.
func (i Identity) MachineID() (string, bool) {
	return i.String(machineIDKey)
}

// NewProvisioning builds a Provisioning from an already decoded object.
func NewProvisioning(values map[string]any) Provisioning {
	return Provisioning{facts{values: cloneMap(values)}}
}

// NewIdentity builds an Identity from an already decoded object.
func NewIdentity(values map[string]any) Identity {
	return Identity{facts{values: cloneMap(values)}}
}

// decodeObject parses data as exactly one JSON object.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty output")
		}
		return nil, err
	}

	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON object")
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", jsonKind(doc))
	}
	return obj, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func cloneMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
