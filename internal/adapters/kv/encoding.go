package kv

import (
	"encoding/json"
	"strconv"

	"github.com/example/smartobject/internal/core/propmap"
)

// Stored values carry a one-letter kind tag followed by a colon, so that
// untyped properties read back with the kind they were saved with. Values
// without a known tag are returned as bytes.
const (
	tagString = 's'
	tagInt    = 'i'
	tagFloat  = 'f'
	tagBool   = 'b'
	tagBytes  = 'x'
	tagJSON   = 'j'
)

func encode(v propmap.Value) ([]byte, error) {
	switch v.Kind() {
	case propmap.KindString:
		s, _ := v.Str()
		return tagged(tagString, []byte(s)), nil
	case propmap.KindInt:
		return tagged(tagInt, []byte(v.Key())), nil
	case propmap.KindFloat:
		f, _ := v.FloatVal()
		return tagged(tagFloat, []byte(strconv.FormatFloat(f, 'g', -1, 64))), nil
	case propmap.KindBool:
		return tagged(tagBool, []byte(v.Key())), nil
	case propmap.KindBytes:
		b, _ := v.BytesVal()
		return tagged(tagBytes, b), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return tagged(tagJSON, data), nil
	}
}

func tagged(tag byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	return append(append(out, tag, ':'), payload...)
}

func decode(data []byte) propmap.Value {
	if len(data) < 2 || data[1] != ':' {
		return propmap.Bytes(data)
	}
	payload := data[2:]
	switch data[0] {
	case tagString:
		return propmap.String(string(payload))
	case tagInt:
		if i, err := strconv.ParseInt(string(payload), 10, 64); err == nil {
			return propmap.Int(i)
		}
	case tagFloat:
		if f, err := strconv.ParseFloat(string(payload), 64); err == nil {
			return propmap.Float(f)
		}
	case tagBool:
		if b, err := strconv.ParseBool(string(payload)); err == nil {
			return propmap.Bool(b)
		}
	case tagBytes:
		return propmap.Bytes(payload)
	case tagJSON:
		var v propmap.Value
		if err := json.Unmarshal(payload, &v); err == nil {
			return v
		}
	}
	return propmap.Bytes(data)
}
