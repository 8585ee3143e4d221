package wire

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers as defined by the envelope schema:
//
//	message Envelope  { string event = 1; EventData event_data = 2; }
//	message EventData { string method = 1; map<string,string> data = 2; }
//
// Map entries encode as nested messages with key = 1, value = 2, per the
// protobuf map wire representation.
const (
	envelopeEventField     = 1
	envelopeEventDataField = 2

	eventDataMethodField = 1
	eventDataDataField   = 2

	mapEntryKeyField   = 1
	mapEntryValueField = 2
)

// DecodeError reports a malformed binary frame. It is recoverable: callers
// drop the frame and keep the connection open.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode envelope: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, n int) *DecodeError {
	return &DecodeError{Reason: reason, Err: protowire.ParseError(n)}
}

// Marshal encodes the envelope to protobuf bytes. Encoding is deterministic:
// map entries are emitted in sorted key order, so broadcasting the result of
// a single Marshal call delivers byte-identical payloads to every recipient.
func Marshal(e *Envelope) []byte {
	var b []byte
	if e == nil {
		return b
	}
	if e.Event != "" {
		b = protowire.AppendTag(b, envelopeEventField, protowire.BytesType)
		b = protowire.AppendString(b, e.Event)
	}
	if e.EventData != nil {
		b = protowire.AppendTag(b, envelopeEventDataField, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalEventData(e.EventData))
	}
	return b
}

func marshalEventData(d *EventData) []byte {
	var b []byte
	if d.Method != "" {
		b = protowire.AppendTag(b, eventDataMethodField, protowire.BytesType)
		b = protowire.AppendString(b, d.Method)
	}
	if len(d.Data) > 0 {
		keys := make([]string, 0, len(d.Data))
		for k := range d.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b = protowire.AppendTag(b, eventDataDataField, protowire.BytesType)
			b = protowire.AppendBytes(b, marshalMapEntry(k, d.Data[k]))
		}
	}
	return b
}

func marshalMapEntry(key, value string) []byte {
	var b []byte
	if key != "" {
		b = protowire.AppendTag(b, mapEntryKeyField, protowire.BytesType)
		b = protowire.AppendString(b, key)
	}
	if value != "" {
		b = protowire.AppendTag(b, mapEntryValueField, protowire.BytesType)
		b = protowire.AppendString(b, value)
	}
	return b
}

// Unmarshal decodes protobuf bytes into an Envelope. Unknown fields are
// skipped for forward compatibility; truncated input, bad tags, and
// wire-type mismatches yield a *DecodeError. Proto3 presence semantics
// apply: an absent event is "", absent event data is nil, and an empty
// data map decodes as nil.
func Unmarshal(b []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr("bad field tag", n)
		}
		b = b[n:]

		switch {
		case num == envelopeEventField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, decodeErr("bad event field", n)
			}
			e.Event = v
			b = b[n:]
		case num == envelopeEventDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeErr("bad event_data field", n)
			}
			d, err := unmarshalEventData(v)
			if err != nil {
				return nil, err
			}
			e.EventData = d
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeErr("bad unknown field", n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

func unmarshalEventData(b []byte) (*EventData, error) {
	d := &EventData{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr("bad event_data tag", n)
		}
		b = b[n:]

		switch {
		case num == eventDataMethodField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, decodeErr("bad method field", n)
			}
			d.Method = v
			b = b[n:]
		case num == eventDataDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeErr("bad data entry", n)
			}
			key, value, err := unmarshalMapEntry(v)
			if err != nil {
				return nil, err
			}
			if d.Data == nil {
				d.Data = make(map[string]string)
			}
			d.Data[key] = value
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeErr("bad unknown event_data field", n)
			}
			b = b[n:]
		}
	}
	return d, nil
}

func unmarshalMapEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", decodeErr("bad map entry tag", n)
		}
		b = b[n:]

		switch {
		case num == mapEntryKeyField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", decodeErr("bad map key", n)
			}
			key = v
			b = b[n:]
		case num == mapEntryValueField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", "", decodeErr("bad map value", n)
			}
			value = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", decodeErr("bad unknown map entry field", n)
			}
			b = b[n:]
		}
	}
	return key, value, nil
}
