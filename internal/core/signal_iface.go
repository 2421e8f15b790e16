package core

//go:generate mockgen -source=signal_iface.go -destination=mocks/mock_signal.go -package=mocks

import (
	"context"

	"github.com/dkeye/VoiceCall/internal/domain"
)

// Transport abstracts the signaling messaging transport.
// Delivery is fire-and-forget; the transport reconnects on its own.
type Transport interface {
	Send(ctx context.Context, msg domain.Message) error
}
