package mast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Well-known document keys.
const (
	KeyStatus               = "status"
	KeyBusy                 = "is_busy"
	KeyInfoState            = "info_state"
	KeySectionLengthCurrent = "section_length_current"
	KeySectionLengthTarget  = "section_length_target"
	KeyAnglePower           = "DS_ANGL_POWER_EN"
	KeyAngleReverse         = "DS_ANGL_REVERS_EN"
	KeyVerticalPower        = "DS_VERT_POWER_EN"
	KeyVerticalReverse      = "DS_VERT_REVERS_EN"
)

// StatusSuccess is the only status value the controller uses for success.
const StatusSuccess = "success"

var errNotObject = errors.New("document is not a JSON object")

// Document is an open-schema JSON object returned by the controller. Key order
// is preserved so the payload can be shown to the operator as received.
// A Document is not safe for concurrent mutation; the session treats parsed
// documents as immutable.
type Document struct {
	keys   []string
	values map[string]any
}

// ParseDocument decodes a JSON object.
func ParseDocument(data []byte) (*Document, error) {
	d := &Document{}
	if err := d.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDocument builds a document from alternating key/value pairs.
func NewDocument(kv ...any) *Document {
	d := &Document{values: make(map[string]any, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		d.Set(k, kv[i+1])
	}
	return d
}

// Set stores a value, appending the key if it is new.
func (d *Document) Set(key string, value any) {
	if d.values == nil {
		d.values = make(map[string]any)
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns the raw decoded value for key.
func (d *Document) Get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys in wire order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of keys.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Map returns a shallow copy of the values.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, d.Len())
	if d == nil {
		return out
	}
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// String returns the value for key if it is a JSON string.
func (d *Document) String(key string) (string, bool) {
	v, ok := d.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the value for key if it is a JSON boolean.
func (d *Document) Bool(key string) (bool, bool) {
	v, ok := d.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Float returns the value for key if it is a JSON number.
func (d *Document) Float(key string) (float64, bool) {
	v, ok := d.Get(key)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Flag reports whether key holds a truthy value (true, a non-zero number or a
// non-empty string).
func (d *Document) Flag(key string) bool {
	v, _ := d.Get(key)
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return false
	}
}

// Status returns the "status" field when present as a string.
func (d *Document) Status() (string, bool) {
	return d.String(KeyStatus)
}

// Succeeded reports status == "success".
func (d *Document) Succeeded() bool {
	s, ok := d.Status()
	return ok && s == StatusSuccess
}

// Busy reports is_busy === true. Any other value, or its absence, is false.
func (d *Document) Busy() bool {
	b, ok := d.Bool(KeyBusy)
	return ok && b
}

// InfoState returns the controller's free-text state line.
func (d *Document) InfoState() string {
	s, _ := d.String(KeyInfoState)
	return s
}

// SectionLengths returns the current and target section lengths in metres.
func (d *Document) SectionLengths() (current, target *float64) {
	if v, ok := d.Float(KeySectionLengthCurrent); ok {
		current = &v
	}
	if v, ok := d.Float(KeySectionLengthTarget); ok {
		target = &v
	}
	return current, target
}

// Motion derives the per-axis drive state from the power/reverse flags.
func (d *Document) Motion() Motion {
	return Motion{
		Angle:    axisMotion(d.Flag(KeyAnglePower), d.Flag(KeyAngleReverse)),
		Vertical: axisMotion(d.Flag(KeyVerticalPower), d.Flag(KeyVerticalReverse)),
	}
}

// MarshalJSON encodes the document preserving key order.
func (d *Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the first-seen key order.
// Duplicate keys keep their first position and the last value.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errNotObject
	}

	d.keys = nil
	d.values = make(map[string]any)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode document key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decode document: unexpected key token %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode document value %q: %w", key, err)
		}
		d.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("decode document: trailing data after object")
	}
	return nil
}

// Direction of travel on one axis.
type Direction string

const (
	DirectionNone Direction = "none"
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// AxisMotion is the drive state of one axis.
type AxisMotion struct {
	Active    bool      `json:"active"`
	Direction Direction `json:"direction"`
}

// Motion is the drive state of both mast axes.
type Motion struct {
	Angle    AxisMotion `json:"angle"`
	Vertical AxisMotion `json:"vertical"`
}

func axisMotion(power, reverse bool) AxisMotion {
	switch {
	case !power:
		return AxisMotion{Direction: DirectionNone}
	case reverse:
		return AxisMotion{Active: true, Direction: DirectionDown}
	default:
		return AxisMotion{Active: true, Direction: DirectionUp}
	}
}
