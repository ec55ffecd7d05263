// Package machine collects the identity of the host running benchmarks.
package machine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Default locations read by the collector.
const (
	DefaultDMIPath     = "/sys/devices/virtual/dmi/id"
	DefaultCPUInfoPath = "/proc/cpuinfo"
	DefaultMemInfoPath = "/proc/meminfo"
)

// Info identifies a machine. Two Info values describe the same machine iff
// every field is equal.
type Info struct {
	DMISysVendor     string `json:"dmi_sys_vendor"`
	DMIProductUUID   string `json:"dmi_product_uuid"`
	DMIProductSerial string `json:"dmi_product_serial"`
	DMIBoardAssetTag string `json:"dmi_board_asset_tag"`
	OS               string `json:"os"`
	Architecture     string `json:"architecture"`
	CPUModel         string `json:"cpu_model"`
	MemTotalBytes    uint64 `json:"mem_total_bytes"`
}

// Collector gathers Info from the local system.
type Collector struct {
	log         logrus.FieldLogger
	dmiPath     string
	cpuInfoPath string
	memInfoPath string
}

// Option configures a Collector.
type Option func(*Collector)

// WithPaths overrides the DMI directory and the proc files.
func WithPaths(dmi, cpuInfo, memInfo string) Option {
	return func(c *Collector) {
		c.dmiPath = dmi
		c.cpuInfoPath = cpuInfo
		c.memInfoPath = memInfo
	}
}

// NewCollector creates a Collector.
func NewCollector(log logrus.FieldLogger, opts ...Option) *Collector {
	c := &Collector{
		log:         log.WithField("component", "machine"),
		dmiPath:     DefaultDMIPath,
		cpuInfoPath: DefaultCPUInfoPath,
		memInfoPath: DefaultMemInfoPath,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Collect returns the identity of this machine. Missing DMI files are
// tolerated and yield empty fields.
func (c *Collector) Collect(ctx context.Context) (*Info, error) {
	info := &Info{
		DMISysVendor:     c.readDMI("sys_vendor"),
		DMIProductUUID:   c.readDMI("product_uuid"),
		DMIProductSerial: c.readDMI("product_serial"),
		DMIBoardAssetTag: c.readDMI("board_asset_tag"),
	}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading host info: %w", err)
	}

	info.OS = osName(hi.OS)
	info.Architecture = hi.KernelArch

	model, err := CPUModel(c.cpuInfoPath)
	if err != nil {
		c.log.WithError(err).Debug("Falling back to gopsutil for cpu model")
	}

	if model == "" {
		if cpus, cpuErr := cpu.InfoWithContext(ctx); cpuErr == nil && len(cpus) > 0 {
			model = cpus[0].ModelName
		}
	}

	info.CPUModel = model

	total, err := MemTotalBytes(c.memInfoPath)
	if err != nil {
		c.log.WithError(err).Debug("Falling back to gopsutil for memory size")

		vm, vmErr := mem.VirtualMemoryWithContext(ctx)
		if vmErr != nil {
			return nil, fmt.Errorf("reading memory info: %w", errors.Join(err, vmErr))
		}

		total = vm.Total
	}

	info.MemTotalBytes = total

	return info, nil
}

func (c *Collector) readDMI(name string) string {
	path := filepath.Join(c.dmiPath, name)

	data, err := os.ReadFile(path)
	if err != nil {
		// product_serial and product_uuid are root-only on most systems.
		c.log.WithError(err).WithField("path", path).Warn("Could not read DMI file")

		return ""
	}

	return strings.TrimSpace(string(data))
}

// osName maps gopsutil's lowercase OS name to the capitalized form
// ("linux" -> "Linux").
func osName(goos string) string {
	switch goos {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "freebsd":
		return "FreeBSD"
	case "windows":
		return "Windows"
	default:
		return goos
	}
}

// CPUModel returns the first "model name" entry of a cpuinfo file.
func CPUModel(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "model name") {
			continue
		}

		_, value, ok := strings.Cut(line, ":")
		if ok {
			return strings.TrimSpace(value), nil
		}
	}

	return "", sc.Err()
}

// MemTotalBytes parses the MemTotal line of a meminfo file.
func MemTotalBytes(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}

		fields := strings.Fields(strings.TrimPrefix(line, "MemTotal:"))
		if len(fields) != 2 || fields[1] != "kB" {
			return 0, fmt.Errorf("unexpected MemTotal line %q", line)
		}

		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected MemTotal line %q: %w", line, err)
		}

		return kb * 1024, nil
	}

	if err := sc.Err(); err != nil {
		return 0, err
	}

	return 0, fmt.Errorf("MemTotal not found in %s: %w", path, fs.ErrNotExist)
}
