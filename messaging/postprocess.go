package messaging

import (
	"context"
	"fmt"
)

// MessagePostProcessor rewrites a message on its way to or from the broker,
// for example to add headers or compress the body. Returning an error
// aborts the operation.
type MessagePostProcessor interface {
	Process(ctx context.Context, msg Message) (Message, error)
	Name() string
}

// PostProcessorFunc adapts a function to MessagePostProcessor
type PostProcessorFunc struct {
	name string
	fn   func(ctx context.Context, msg Message) (Message, error)
}

// NewPostProcessorFunc creates a named function-based post processor
func NewPostProcessorFunc(name string, fn func(ctx context.Context, msg Message) (Message, error)) *PostProcessorFunc {
	return &PostProcessorFunc{name: name, fn: fn}
}

// Process implements MessagePostProcessor
func (p *PostProcessorFunc) Process(ctx context.Context, msg Message) (Message, error) {
	return p.fn(ctx, msg)
}

// Name implements MessagePostProcessor
func (p *PostProcessorFunc) Name() string {
	return p.name
}

// WithBeforePublish appends processors applied, in order, to every outgoing
// message, including requests sent by SendAndReceive.
func WithBeforePublish(processors ...MessagePostProcessor) TemplateOption {
	return func(t *Template) {
		t.beforePublish = append(t.beforePublish, processors...)
	}
}

// WithAfterReceive appends processors applied, in order, to every received
// message and reply.
func WithAfterReceive(processors ...MessagePostProcessor) TemplateOption {
	return func(t *Template) {
		t.afterReceive = append(t.afterReceive, processors...)
	}
}

func (t *Template) process(ctx context.Context, chain []MessagePostProcessor, msg Message) (Message, error) {
	for _, p := range chain {
		var err error
		if msg, err = p.Process(ctx, msg); err != nil {
			t.logger.Debug("post processor rejected message", "processor", p.Name(), "messageId", msg.MessageID, "error", err)
			return msg, fmt.Errorf("post processor %s: %w", p.Name(), err)
		}
	}
	return msg, nil
}
