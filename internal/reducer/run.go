package reducer

import (
	"context"
	"errors"

	"github.com/inercia/agentchat/internal/protocol"
	"github.com/inercia/agentchat/internal/transport"
)

// Source delivers transport events in receipt order.
type Source interface {
	Recv(ctx context.Context) (transport.Event, error)
}

// Effector performs the socket side effects of the reducer.
type Effector interface {
	Send(msg protocol.ClientMessage) bool
	Disconnect()
}

// EventHook is called after each event has been applied.
type EventHook func(ev transport.Event, eff Effects)

// Run receives events from src and applies them until ctx is done or the
// source is closed. Events are applied one at a time, in order.
func (r *Reducer) Run(ctx context.Context, src Source, fx Effector, hooks ...EventHook) error {
	for {
		ev, err := src.Recv(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		eff := r.HandleEvent(ev)
		for _, m := range eff.Reply {
			if !fx.Send(m) {
				r.log.Warn("failed to send reply", "type", m.Type(), "session_id", ev.SessionID)
			}
		}
		if eff.Close {
			fx.Disconnect()
		}
		for _, h := range hooks {
			h(ev, eff)
		}
	}
}
