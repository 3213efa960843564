//go:build !linux

package pwgraph

import "errors"

func probePulseDefaults() (string, string, error) {
	return "", "", errors.New("PulseAudio compatibility is only available on Linux")
}
