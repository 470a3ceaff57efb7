// Package approval is the request/response bridge decoupling HTTP
// handlers from the GUI
// approval surface, used for just-in-time deferred-permission prompts.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-hub/nexus-core/pkg/permission"
)

// Decision is the user's answer to an approval Request.
type Decision int

const (
	Deny Decision = iota
	Approve
	ApproveOnce
)

// Kind distinguishes what the user is being asked to approve.
type Kind string

const (
	// KindPermission is a just-in-time deferred-permission prompt.
	KindPermission Kind = "permission"
	// KindConsent is an OAuth authorize-endpoint consent prompt.
	KindConsent Kind = "consent"
)

// Request is the payload shown to the GUI approval surface. PluginID
// and Permission are set for KindPermission; ClientID, ClientName, and
// Scopes for KindConsent.
type Request struct {
	ID          string
	Kind        Kind
	PluginID    string
	Permission  permission.Permission
	ClientID    string
	ClientName  string
	Scopes      []string
	RequestedAt time.Time
}

// DefaultTimeout is the 60 s wait before an unanswered request resolves
// to Deny
const DefaultTimeout = 60 * time.Second

// Emitter pushes a Request to the GUI approval surface. Best-effort: a
// failure leaves the request pending, which simply times out to Deny.
type Emitter func(Request)

// pendingRequest pairs an emitted Request with the channel its
// decision arrives on.
type pendingRequest struct {
	req Request
	ch  chan Decision
}

// Bridge owns the map of pending requests and the emission hook.
type Bridge struct {
	timeout time.Duration
	emit    Emitter

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New builds a Bridge. emit may be nil, in which case every request
// times out to Deny without ever reaching a UI.
func New(emit Emitter, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{timeout: timeout, emit: emit, pending: map[string]*pendingRequest{}}
}

// RequestApproval registers a pending request, emits it (best-effort),
// and blocks until a Decision arrives, ctx is canceled, or the timeout
// elapses — in which case it resolves to Deny
func (b *Bridge) RequestApproval(ctx context.Context, pluginID string, perm permission.Permission) Decision {
	return b.wait(ctx, Request{
		ID:          uuid.NewString(),
		Kind:        KindPermission,
		PluginID:    pluginID,
		Permission:  perm,
		RequestedAt: time.Now(),
	})
}

// RequestConsent asks the user to approve an OAuth client's authorize
// request. Same waiting semantics as RequestApproval; ApproveOnce
// means "this time only" (the issued code's refresh token is withheld).
func (b *Bridge) RequestConsent(ctx context.Context, clientID, clientName string, scopes []string) Decision {
	return b.wait(ctx, Request{
		ID:          uuid.NewString(),
		Kind:        KindConsent,
		ClientID:    clientID,
		ClientName:  clientName,
		Scopes:      scopes,
		RequestedAt: time.Now(),
	})
}

func (b *Bridge) wait(ctx context.Context, req Request) Decision {
	ch := make(chan Decision, 1)
	b.mu.Lock()
	b.pending[req.ID] = &pendingRequest{req: req, ch: ch}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	if b.emit != nil {
		b.emit(req)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision
	case <-timer.C:
		return Deny
	case <-ctx.Done():
		return Deny
	}
}

// Respond consumes the pending request for requestID and forwards
// decision. Unknown request ids are a no-op
func (b *Bridge) Respond(requestID string, decision Decision) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	entry.ch <- decision
}

// Pending snapshots the requests currently awaiting a decision, for
// the GUI surface to render.
func (b *Bridge) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Request, 0, len(b.pending))
	for _, entry := range b.pending {
		out = append(out, entry.req)
	}
	return out
}

// PendingCount reports the number of requests currently awaiting a
// decision, used for operator-facing status visibility.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
