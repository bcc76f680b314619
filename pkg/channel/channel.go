package channel

import (
	"context"

	"skylark/pkg/bus"
)

// Adapter bridges one external chat transport (for example Feishu) into Skylark.
//
// Start returns once the transport is running; inbound messages flow to the
// shared bus until Stop. Send delivers one outbound message best-effort; a
// failed send is reported through the returned error and never affects the
// adapter lifecycle.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
}
