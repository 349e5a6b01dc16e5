package filesystem

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/example/smartobject/internal/core/propmap"
	"github.com/example/smartobject/internal/ports/secondary"
)

// MsgPackCodec stores records as MessagePack maps. Binary values use the bin
// family, so no envelope is needed.
type MsgPackCodec struct{}

// Ext implements Codec.
func (MsgPackCodec) Ext() string { return ".msgpack" }

// Marshal implements Codec. Keys are written in sorted order.
func (MsgPackCodec) Marshal(rec secondary.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(native(rec)); err != nil {
		return nil, fmt.Errorf("failed to encode msgpack record: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Codec.
func (MsgPackCodec) Unmarshal(data []byte) (secondary.Record, error) {
	var doc map[string]any
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode msgpack record: %w", err)
	}
	return fromNative(doc), nil
}

var cborEnc = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// CBORCodec stores records as canonical CBOR maps.
type CBORCodec struct{}

// Ext implements Codec.
func (CBORCodec) Ext() string { return ".cbor" }

// Marshal implements Codec.
func (CBORCodec) Marshal(rec secondary.Record) ([]byte, error) {
	data, err := cborEnc.Marshal(native(rec))
	if err != nil {
		return nil, fmt.Errorf("failed to encode cbor record: %w", err)
	}
	return data, nil
}

// Unmarshal implements Codec.
func (CBORCodec) Unmarshal(data []byte) (secondary.Record, error) {
	var doc map[string]any
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode cbor record: %w", err)
	}
	return fromNative(doc), nil
}

func native(rec secondary.Record) map[string]any {
	doc := make(map[string]any, len(rec))
	for k, v := range rec {
		doc[k] = v.Interface()
	}
	return doc
}

func fromNative(doc map[string]any) secondary.Record {
	rec := make(secondary.Record, len(doc))
	for k, x := range doc {
		rec[k] = propmap.Of(x)
	}
	return rec
}
