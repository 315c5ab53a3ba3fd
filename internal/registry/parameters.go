package registry

import (
	"bytes"
	"encoding/json"
)

// Param is a single scalar simulation parameter.
type Param struct {
	Key   string
	Value any
}

// Parameters is an ordered set of scalar parameters. It encodes as a JSON
// object with keys in insertion order.
type Parameters []Param

// With returns a copy of p with key set to value, appended if new.
func (p Parameters) With(key string, value any) Parameters {
	out := make(Parameters, 0, len(p)+1)
	replaced := false
	for _, kv := range p {
		if kv.Key == key {
			kv.Value = value
			replaced = true
		}
		out = append(out, kv)
	}
	if !replaced {
		out = append(out, Param{Key: key, Value: value})
	}
	return out
}

// Get returns the value stored under key.
func (p Parameters) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Int returns the value under key as an int, or fallback if missing or not numeric.
func (p Parameters) Int(key string, fallback int) int {
	v, ok := p.Get(key)
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

func (p Parameters) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object while keeping key order.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return err
	}
	out := Parameters{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)
		var val any
		if err := dec.Decode(&val); err != nil {
			return err
		}
		out = append(out, Param{Key: key, Value: val})
	}
	*p = out
	return nil
}
