//go:build !linux

package util

import "errors"

func processPath(pid int) (string, error) {
	return "", errors.New("not implemented")
}
