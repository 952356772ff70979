package messaging

import (
	"context"

	"github.com/glimte/mmate-relay/contracts"
)

// Transformer turns an incoming message into the message to forward. A nil
// message with a nil error drops the incoming message.
type Transformer interface {
	Transform(ctx context.Context, in *contracts.Message) (*contracts.Message, error)
}

// TransformerFunc adapts a function to Transformer
type TransformerFunc func(ctx context.Context, in *contracts.Message) (*contracts.Message, error)

// Transform implements Transformer
func (f TransformerFunc) Transform(ctx context.Context, in *contracts.Message) (*contracts.Message, error) {
	return f(ctx, in)
}

// PassThrough forwards a copy of every message with a fresh identity
func PassThrough() Transformer {
	return TransformerFunc(func(_ context.Context, in *contracts.Message) (*contracts.Message, error) {
		out := contracts.NewMessage(in.Body())
		out.SetContentType(in.ContentType())
		for k, v := range in.Headers() {
			out.SetHeader(k, v)
		}
		return out, nil
	})
}
