// Package pipeline implements the three-stage command pipeline at tabd's
// core: CommandSource fans in client command streams, AccessBroker
// serializes them against the TCTI, and ResponseSink fans responses back
// out. Stages are wired together as small capability interfaces (Worker,
// CommandSink, ResponseSinkIntf) rather than through inheritance.
package pipeline

import (
	"context"

	"github.com/tabd/tabd/internal/session"
)

// Command is one in-flight unit: the originating session and the full
// framed buffer (header+body) read from it.
type Command struct {
	Session *session.Session
	Frame   []byte
}

// Response is a command's reply, still tagged with its originating session
// so the ResponseSink can route it.
type Response struct {
	Session *session.Session
	Frame   []byte
}

// Worker is the minimal lifecycle every pipeline stage exposes.
type Worker interface {
	Start(ctx context.Context)
	Stop()
}

// CommandSink receives commands from the CommandSource into the
// AccessBroker.
type CommandSink interface {
	EnqueueCommand(Command) bool
}

// ResponseSinkIntf receives responses from the AccessBroker into the
// ResponseSink. Named with the Intf suffix to avoid colliding with the
// concrete ResponseSink type in response_sink.go.
type ResponseSinkIntf interface {
	EnqueueResponse(Response) bool
}
