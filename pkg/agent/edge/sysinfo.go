package edge

import (
	"bufio"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lamassuiot/rfid-sync/pkg/models/device"
)

// Host reads metrics from the proc and sys file systems below Root, which
// is "/" on a real device.
type Host struct {
	Root string
}

func NewHost() Host {
	return Host{Root: "/"}
}

// Metrics fills the host part of a heartbeat. Metrics that cannot be read
// are left nil.
func (h Host) Metrics() device.Heartbeat {
	return device.Heartbeat{
		CPUTemp:     h.CPUTemp(),
		MemoryUsage: h.MemoryUsage(),
		DiskUsage:   h.DiskUsage(),
		Uptime:      h.Uptime(),
	}
}

func (h Host) path(p string) string {
	return filepath.Join(h.Root, p)
}

// CPUTemp is the first thermal zone in degrees Celsius.
func (h Host) CPUTemp() *float64 {
	data, err := os.ReadFile(h.path("sys/class/thermal/thermal_zone0/temp"))
	if err != nil {
		return nil
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return nil
	}
	v := milli / 1000
	return &v
}

// MemoryUsage is the used share of memory in percent.
func (h Host) MemoryUsage() *float64 {
	f, err := os.Open(h.path("proc/meminfo"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable:":
			available, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if total <= 0 {
		return nil
	}
	v := round1((1 - available/total) * 100)
	return &v
}

// DiskUsage is the used share of the root file system in percent.
func (h Host) DiskUsage() *float64 {
	total, free, ok := diskSpace(h.Root)
	if !ok || total == 0 {
		return nil
	}
	v := round1((1 - float64(free)/float64(total)) * 100)
	return &v
}

// Uptime is the host uptime in whole seconds.
func (h Host) Uptime() *float64 {
	data, err := os.ReadFile(h.path("proc/uptime"))
	if err != nil {
		return nil
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil
	}
	v = math.Floor(v)
	return &v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
