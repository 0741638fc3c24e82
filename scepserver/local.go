package scepserver

import (
	"context"
	"fmt"

	"github.com/ruteri/scep-client/interfaces"
)

// LocalTransport delivers messages to a Handler in-process, without HTTP.
type LocalTransport struct {
	Handler *Handler
}

var _ interfaces.Transport = (*LocalTransport)(nil)

// Send answers op the way the HTTP responder would. A request the handler
// cannot process surfaces as ErrTransport, as its HTTP 400 would.
func (t *LocalTransport) Send(ctx context.Context, op interfaces.Operation, message []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, interfaces.WrapError(interfaces.ErrTransport, err)
	}

	switch op {
	case interfaces.OpGetCACaps:
		return t.Handler.Capabilities(), nil
	case interfaces.OpGetCACert:
		return t.Handler.CACertificate(), nil
	case interfaces.OpPKIOperation:
		reply, err := t.Handler.Respond(message)
		if err != nil {
			return nil, interfaces.WrapError(interfaces.ErrTransport, err)
		}
		return reply, nil
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", interfaces.ErrTransport, op)
	}
}
