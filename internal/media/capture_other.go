//go:build !linux

package media

import (
	"context"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/proto"
)

// Acquire has no capture drivers off Linux. The call proceeds receive-only.
func (s *Source) Acquire(_ context.Context, _ proto.Media) (call.LocalMedia, error) {
	return nil, ErrNoDevices
}
