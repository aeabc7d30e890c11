package hostinfo

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"

	"aegisflux/agents/exec-guard/internal/types"
)

// Collector gathers registration facts from a filesystem root
type Collector struct {
	// Root is prefixed to every path read; "" or "/" reads the live system
	Root string
}

// Collect returns the host facts sent during registration. Missing sources
// leave the corresponding field empty; the machine GUID falls back to a
// name-based UUID of the hostname.
func (c Collector) Collect() types.HostInfo {
	hostname, _ := os.Hostname()

	info := types.HostInfo{
		Arch:         runtime.GOARCH,
		MachineName:  hostname,
		OSVersion:    c.readTrimmed("/proc/sys/kernel/osrelease"),
		Manufacturer: c.readTrimmed("/sys/class/dmi/id/sys_vendor"),
		Model:        c.readTrimmed("/sys/class/dmi/id/product_name"),
		MachineGUID:  c.readTrimmed("/etc/machine-id"),
	}

	info.OSHumanName = c.osReleaseName()
	if info.OSHumanName == "" {
		info.OSHumanName = runtime.GOOS
	}

	if info.MachineGUID == "" {
		info.MachineGUID = uuid.NewSHA1(uuid.NameSpaceDNS, []byte(hostname)).String()
	}
	return info
}

func (c Collector) path(p string) string {
	if c.Root == "" {
		return p
	}
	return filepath.Join(c.Root, p)
}

func (c Collector) readTrimmed(p string) string {
	data, err := os.ReadFile(c.path(p))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// osReleaseName returns PRETTY_NAME from os-release
func (c Collector) osReleaseName() string {
	data, err := os.ReadFile(c.path("/etc/os-release"))
	if err != nil {
		return ""
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if ok && key == "PRETTY_NAME" {
			return strings.Trim(value, `"'`)
		}
	}
	return ""
}
