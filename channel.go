package kephasrpc

import "context"

// RawInbound yields serialized values in arrival order. Receive returns
// io.EOF once the peer has finished.
type RawInbound interface {
	Receive(ctx context.Context) (string, error)
}

// RawOutbound accepts serialized values. Send never blocks on a slow peer.
type RawOutbound interface {
	Send(ctx context.Context, data string) error
}

// Inbound is the receiving end of a stream of V values.
type Inbound[V any] struct {
	raw   RawInbound
	codec Codec
}

// NewInbound wraps raw with codec.
func NewInbound[V any](raw RawInbound, codec Codec) *Inbound[V] {
	return &Inbound[V]{raw: raw, codec: codec}
}

// Receive blocks for the next value. It returns io.EOF when the stream ended
// normally, the peer's error when it ended with one, or ctx.Err().
func (in *Inbound[V]) Receive(ctx context.Context) (V, error) {
	var zero V
	data, err := in.raw.Receive(ctx)
	if err != nil {
		return zero, err
	}
	v, err := in.codec.Decode(&data)
	if err != nil {
		return zero, err
	}
	return as[V](v), nil
}

// Outbound is the sending end of a stream of V values.
type Outbound[V any] struct {
	raw   RawOutbound
	codec Codec
}

// NewOutbound wraps raw with codec.
func NewOutbound[V any](raw RawOutbound, codec Codec) *Outbound[V] {
	return &Outbound[V]{raw: raw, codec: codec}
}

// Send serializes and queues v. It returns ErrClosed once the stream is gone.
func (out *Outbound[V]) Send(ctx context.Context, v V) error {
	data, err := out.codec.Encode(v)
	if err != nil {
		return err
	}
	return out.raw.Send(ctx, data)
}
