package sdbm

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// Codec turns values into the bytes stored in the value column and back.
// Keys never pass through a Codec.
type Codec interface {
	Encode(v any) ([]byte, error)
	// Decode parses data into dst, which is typically a pointer.
	Decode(data []byte, dst any) error
}

// DefaultCodec is used when no codec is configured.
var DefaultCodec Codec = GobCodec{}

// CodecByName returns one of the built in codecs: "gob", "json", "raw" or "proto".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "gob":
		return GobCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	case "raw":
		return RawCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, errors.Errorf("unknown codec %q", name)
	}
}

// GobCodec encodes values with encoding/gob.
// Any value gob can encode round trips, as long as it is decoded into a pointer to the same type.
// nil, and nil pointers, are stored as an empty value and decode to the zero value of dst.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	if isNil(v) {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, dst any) error {
	if len(data) == 0 {
		rv := reflect.ValueOf(dst)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return errors.Errorf("gob codec cannot decode into %T", dst)
		}
		rv.Elem().SetZero()
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(dst)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// JSONCodec encodes values as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, dst any) error {
	return json.Unmarshal(data, dst)
}

// RawCodec stores []byte and string values as they are.
type RawCodec struct{}

func (RawCodec) Encode(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return append([]byte{}, x...), nil
	case string:
		return []byte(x), nil
	default:
		return nil, errors.Errorf("raw codec cannot encode %T", v)
	}
}

func (RawCodec) Decode(data []byte, dst any) error {
	switch x := dst.(type) {
	case *[]byte:
		*x = append([]byte{}, data...)
	case *string:
		*x = string(data)
	default:
		return errors.Errorf("raw codec cannot decode into %T", dst)
	}
	return nil
}

// ProtoCodec stores protocol buffer messages in their binary wire format.
type ProtoCodec struct{}

func (ProtoCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("proto codec cannot encode %T, it is not a proto.Message", v)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (ProtoCodec) Decode(data []byte, dst any) error {
	m, ok := dst.(proto.Message)
	if !ok {
		return fmt.Errorf("proto codec cannot decode into %T, it is not a proto.Message", dst)
	}
	return proto.Unmarshal(data, m)
}
