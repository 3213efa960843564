//go:build !linux

package pwgraph

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// CLITransport is only available on Linux
type CLITransport struct {
	Transport
}

// NewCLITransport always fails outside Linux
func NewCLITransport(logger *zap.SugaredLogger) (*CLITransport, error) {
	return nil, fmt.Errorf("graph server tools on %s: %w", runtime.GOOS, ErrTransport)
}
