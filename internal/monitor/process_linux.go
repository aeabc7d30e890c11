//go:build linux

package monitor

import (
	"fmt"
	"os"
	"strings"

	ps "github.com/keybase/go-ps"
)

// resolveProcess reads the image path and command line from /proc. Kernel
// threads have no image and resolve to "".
func resolveProcess(p ps.Process) (string, string) {
	image, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", p.Pid()))
	if err != nil {
		return "", ""
	}
	image = strings.TrimSuffix(image, " (deleted)")

	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", p.Pid()))
	if err != nil {
		return image, ""
	}
	return image, strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
}
