//go:build !cgo

package hook

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loqalabs/flowstt/internal/hotkey"
)

// Run is unavailable without cgo.
func Run(ctx context.Context, tracker *hotkey.Tracker, logger *slog.Logger) error {
	return errors.New("global key hook requires a cgo build")
}
