package cliproc

import (
	"context"
	"errors"
	"strings"

	"github.com/agentdeck/agentdeck/internal/backend"
)

// PermissiveBackend is a Backend for vendors that run with an auto-approval
// mode. The CLI itself never asks, so a decision is only reported back to
// subscribers as a permission-response.
type PermissiveBackend struct {
	*Backend
}

var _ backend.PermissionResponder = (*PermissiveBackend)(nil)

// NewPermissive builds a PermissiveBackend for vendor.
func NewPermissive(vendor Vendor, cfg backend.Config, options ...Option) (*PermissiveBackend, error) {
	inner, err := New(vendor, cfg, options...)
	if err != nil {
		return nil, err
	}
	return &PermissiveBackend{Backend: inner}, nil
}

// RespondToPermission emits permission-response for requestID.
func (b *PermissiveBackend) RespondToPermission(_ context.Context, requestID string, approved bool) error {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return backend.ErrDisposed
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return errors.New("permission request id is required")
	}
	b.logger.Debug("permission decision", "request_id", requestID, "approved", approved)
	b.emitter.Emit(backend.NewPermissionResponse(requestID, approved))
	return nil
}
