package socketio

import (
	"os"
	"strings"

	"github.com/edumarques81/stellar-stream/internal/version"
)

// SystemInfo describes the host running the player.
type SystemInfo struct {
	Host      string   `json:"host"`
	Version   string   `json:"version"`
	BuildTime string   `json:"buildTime,omitempty"`
	Hardware  string   `json:"hardware,omitempty"`
	Backends  []string `json:"backends"`
	Streams   int      `json:"streams"`
}

// SystemInfo returns host, build and playback capability details.
func (s *Server) SystemInfo() SystemInfo {
	info := SystemInfo{
		Version:   version.GetInfo().Version,
		BuildTime: version.GetInfo().BuildTime,
		Hardware:  hardwareModel("/proc/cpuinfo"),
		Backends:  append([]string{}, s.backends...),
		Streams:   s.catalog.Len(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Host = hostname
	}
	return info
}

// hardwareModel reads the "Model" line of a cpuinfo file, present on
// single-board computers.
func hardwareModel(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Model") {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}
