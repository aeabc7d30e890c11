//go:build !linux

package monitor

import (
	ps "github.com/keybase/go-ps"
)

func resolveProcess(p ps.Process) (string, string) {
	return p.Executable(), ""
}
