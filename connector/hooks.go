package connector

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-connector/broker"
)

// SendHook is called before every outbound message is handed to the broker.
// Hooks run in registration order and may modify msg. An error aborts the send.
type SendHook interface {
	BeforeSend(ctx context.Context, ep *Endpoint, msg *broker.Message) error
}

// SendHookFunc adapts a function to the SendHook interface.
type SendHookFunc func(ctx context.Context, ep *Endpoint, msg *broker.Message) error

func (f SendHookFunc) BeforeSend(ctx context.Context, ep *Endpoint, msg *broker.Message) error {
	return f(ctx, ep, msg)
}

func runSendHooks(ctx context.Context, hooks []SendHook, ep *Endpoint, msg *broker.Message) error {
	for i, h := range hooks {
		if err := h.BeforeSend(ctx, ep, msg); err != nil {
			return fmt.Errorf("send hook %d: %w", i, err)
		}
	}
	return nil
}
