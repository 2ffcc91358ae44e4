package httpapi

import (
	"context"
)

// serverBaseCtx is cancelled on process shutdown. Long-lived streams watch it
// so a graceful shutdown is not held open by connected clients.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// joinContexts returns a child of a that is also cancelled when b is done.
// The returned cancel func releases the watch on b.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
