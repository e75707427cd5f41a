package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"gatekeeper-bot/internal/metrics"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
)

// NotificationView binds one decision UI to one pending request. Its lock
// lives in the engine's lock table under the same key.
type NotificationView struct {
	Kind      request.Kind
	RequestID int64
	Message   *platform.MessageRef
	finished  bool
}

type viewKey struct {
	kind request.Kind
	id   int64
}

func (k viewKey) lockKey() string {
	return fmt.Sprintf("%s:%d", k.kind, k.id)
}

type viewRegistry struct {
	mu    sync.Mutex
	views map[viewKey]*NotificationView
}

func newViewRegistry() *viewRegistry {
	return &viewRegistry{views: make(map[viewKey]*NotificationView)}
}

// register is a no-op when a view for the request already exists.
func (r *viewRegistry) register(kind request.Kind, id int64, msg *platform.MessageRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := viewKey{kind: kind, id: id}
	if _, ok := r.views[k]; ok {
		return false
	}
	r.views[k] = &NotificationView{Kind: kind, RequestID: id, Message: msg}
	metrics.PendingViews.Inc()
	return true
}

func (r *viewRegistry) get(kind request.Kind, id int64) *NotificationView {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[viewKey{kind: kind, id: id}]
}

// finish marks the view decided and drops it from the registry.
func (r *viewRegistry) finish(v *NotificationView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.finished {
		return
	}
	v.finished = true
	delete(r.views, viewKey{kind: v.Kind, id: v.RequestID})
	metrics.PendingViews.Dec()
}

func (r *viewRegistry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Rehydrate registers a view for every request that is still pending. It is
// safe to call more than once.
func (e *Engine) Rehydrate(ctx context.Context) (int, error) {
	tickets, err := e.ticketRequests.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending ticket requests: %w", err)
	}
	verifications, err := e.verifications.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending verifications: %w", err)
	}

	added := 0
	for _, r := range tickets {
		if e.views.register(request.KindTicket, r.ID, r.Notification) {
			added++
		}
	}
	for _, v := range verifications {
		if e.views.register(request.KindVerification, v.ID, v.Notification) {
			added++
		}
	}
	e.logger.Info("rehydrated decision views",
		"ticket_requests", len(tickets), "verification_requests", len(verifications), "added", added)
	return added, nil
}

// lockView takes the request's lock and returns its view, or nil when the
// request was already decided.
func (e *Engine) lockView(kind request.Kind, id int64) (*NotificationView, func()) {
	k := viewKey{kind: kind, id: id}
	unlock := e.locks.Lock(k.lockKey())
	v := e.views.get(kind, id)
	if v == nil || v.finished {
		return nil, unlock
	}
	return v, unlock
}
