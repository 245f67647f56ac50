package session

import (
	"context"
	"fmt"

	"github.com/matst80/pwremote/internal/browser"
	"github.com/matst80/pwremote/internal/proto"
)

// Scope serves the non-tunnel RPC traffic of an active session. It is
// created after initialization and disposed before the cleanups run.
type Scope interface {
	// Dispatch handles one inbound message and returns the reply to send,
	// if any.
	Dispatch(ctx context.Context, msg proto.Message) *proto.Message
	Dispose()
}

// ScopeFactory builds the scope of a session. inst is nil for controllers.
type ScopeFactory func(info Info, inst *browser.Instance) Scope

// UnsupportedScope answers every request with an error.
func UnsupportedScope(Info, *browser.Instance) Scope { return unsupportedScope{} }

type unsupportedScope struct{}

func (unsupportedScope) Dispatch(_ context.Context, msg proto.Message) *proto.Message {
	if msg.ID == 0 {
		return nil
	}
	reply := proto.ErrorResponse(msg.ID, fmt.Errorf("unsupported method %q", msg.Method))
	return &reply
}

func (unsupportedScope) Dispose() {}
