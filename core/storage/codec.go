package storage

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	schemasession "github.com/davidahmann/sessiongate/core/schema/v1/session"
)

const (
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

type codec interface {
	Name() string
	Encode(collection schemasession.Collection) ([]byte, error)
	Decode(payload []byte) (schemasession.Collection, error)
}

func codecFor(format string) (codec, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return jsonCodec{}, nil
	case FormatCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("%w: format %q", ErrUnsupported, format)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string {
	return FormatJSON
}

func (jsonCodec) Encode(collection schemasession.Collection) ([]byte, error) {
	payload, err := json.MarshalIndent(collection, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return append(payload, '\n'), nil
}

func (jsonCodec) Decode(payload []byte) (schemasession.Collection, error) {
	var collection schemasession.Collection
	if err := json.Unmarshal(payload, &collection); err != nil {
		return schemasession.Collection{}, fmt.Errorf("%w: parse json: %v", ErrCorrupt, err)
	}
	return collection, nil
}

// cborCodec uses core deterministic encoding so identical collections produce
// identical bytes. Timestamps keep nanosecond precision as RFC 3339 text.
type cborCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

func newCBORCodec() (cborCodec, error) {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err := encOptions.EncMode()
	if err != nil {
		return cborCodec{}, fmt.Errorf("cbor encoder: %w", err)
	}
	decMode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return cborCodec{}, fmt.Errorf("cbor decoder: %w", err)
	}
	return cborCodec{encMode: encMode, decMode: decMode}, nil
}

func (cborCodec) Name() string {
	return FormatCBOR
}

func (c cborCodec) Encode(collection schemasession.Collection) ([]byte, error) {
	payload, err := c.encMode.Marshal(collection)
	if err != nil {
		return nil, fmt.Errorf("encode cbor: %w", err)
	}
	return payload, nil
}

func (c cborCodec) Decode(payload []byte) (schemasession.Collection, error) {
	var collection schemasession.Collection
	if err := c.decMode.Unmarshal(payload, &collection); err != nil {
		return schemasession.Collection{}, fmt.Errorf("%w: parse cbor: %v", ErrCorrupt, err)
	}
	return collection, nil
}
