package kephasrpc

import (
	"encoding/json"
	"sync"
)

// Codec serializes the values of one declared parameter or result type.
// Every value travels as its own JSON text; a nil slot decodes to the zero value.
type Codec interface {
	Encode(v any) (string, error)
	Decode(data *string) (any, error)
}

// QueryCodec is implemented by codecs that have a dedicated form for GET
// query parameters.
type QueryCodec interface {
	EncodeQuery(v any) (string, error)
	DecodeQuery(data *string) (any, error)
}

// JSONCodec encodes values of type V with encoding/json. Plain strings are
// carried unquoted in query parameters.
type JSONCodec[V any] struct{}

// JSON returns the JSON codec for V. Its signature fits the lazy codec
// factories taken by Method.
func JSON[V any]() Codec {
	return JSONCodec[V]{}
}

func (JSONCodec[V]) Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (JSONCodec[V]) Decode(data *string) (any, error) {
	var v V
	if data == nil {
		return v, nil
	}
	if err := json.Unmarshal([]byte(*data), &v); err != nil {
		return v, err
	}
	return v, nil
}

func (c JSONCodec[V]) EncodeQuery(v any) (string, error) {
	if s, ok := v.(string); ok && isString[V]() {
		return s, nil
	}
	return c.Encode(v)
}

func (c JSONCodec[V]) DecodeQuery(data *string) (any, error) {
	var v V
	if data != nil {
		if p, ok := any(&v).(*string); ok {
			*p = *data
			return v, nil
		}
	}
	return c.Decode(data)
}

func isString[V any]() bool {
	var v V
	_, ok := any(v).(string)
	return ok
}

// EncodeParam serializes v for a parameter slot. A nil interface value
// becomes an absent slot.
func EncodeParam(c Codec, v any, query bool) (*string, error) {
	if v == nil {
		return nil, nil
	}

	var (
		s   string
		err error
	)
	if qc, ok := c.(QueryCodec); ok && query {
		s, err = qc.EncodeQuery(v)
	} else {
		s, err = c.Encode(v)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DecodeParam is the inverse of EncodeParam.
func DecodeParam(c Codec, data *string, query bool) (any, error) {
	if qc, ok := c.(QueryCodec); ok && query {
		return qc.DecodeQuery(data)
	}
	return c.Decode(data)
}

// lazy builds the codec on first use and reuses it afterwards.
func lazy(factory func() Codec) func() Codec {
	if factory == nil {
		return nil
	}
	return sync.OnceValue(factory)
}

// as converts a decoded value to P; a nil value gives the zero P.
func as[P any](v any) P {
	p, _ := v.(P)
	return p
}
