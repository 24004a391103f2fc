// Package diagnostics inspects the host environment the engine depends on:
// free disk space under the data and backup directories, available memory,
// and the block device backing the primary store.
package diagnostics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Severity classifies a check result.
type Severity int

const (
	OK Severity = iota
	Warn
	Fail
)

// String returns a short label for the severity.
func (s Severity) String() string {
	switch s {
	case OK:
		return "ok"
	case Warn:
		return "warn"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of a single diagnostic check.
type CheckResult struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail"`
}

// Thresholds below which disk checks degrade.
const (
	diskWarnFreeBytes = 1 << 30  // 1 GiB
	diskFailFreeBytes = 64 << 20 // 64 MiB
	memWarnFreeBytes  = 256 << 20
)

// Doctor runs environment checks for the configured data and backup paths.
type Doctor struct {
	DataPath  string
	BackupDir string
}

// Run executes all checks and returns their results in a stable order.
func (d *Doctor) Run() []CheckResult {
	results := []CheckResult{
		d.checkHost(),
		d.checkMemory(),
		d.checkDir("data directory", filepath.Dir(d.DataPath)),
		d.checkDir("backup directory", d.BackupDir),
		d.checkDisk("data disk", filepath.Dir(d.DataPath)),
	}
	if filepath.Dir(d.DataPath) != d.BackupDir {
		results = append(results, d.checkDisk("backup disk", d.BackupDir))
	}
	results = append(results, d.checkBlockDevices())
	return results
}

// Healthy reports whether no check failed.
func Healthy(results []CheckResult) bool {
	for _, r := range results {
		if r.Severity == Fail {
			return false
		}
	}
	return true
}

func (d *Doctor) checkHost() CheckResult {
	info, err := host.Info()
	if err != nil {
		return CheckResult{Name: "host", Severity: Warn, Detail: fmt.Sprintf("host info unavailable: %v", err)}
	}
	return CheckResult{
		Name:     "host",
		Severity: OK,
		Detail:   fmt.Sprintf("%s %s (%s), up %s", info.Platform, info.PlatformVersion, info.KernelArch, formatUptime(info.Uptime)),
	}
}

func (d *Doctor) checkMemory() CheckResult {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return CheckResult{Name: "memory", Severity: Warn, Detail: fmt.Sprintf("memory info unavailable: %v", err)}
	}
	detail := fmt.Sprintf("%.1f GiB total, %.1f GiB available (%.0f%% used)",
		float64(vm.Total)/(1<<30), float64(vm.Available)/(1<<30), vm.UsedPercent)
	if vm.Available < memWarnFreeBytes {
		return CheckResult{Name: "memory", Severity: Warn, Detail: detail + ", running low"}
	}
	return CheckResult{Name: "memory", Severity: OK, Detail: detail}
}

// checkDir verifies the directory exists (creating it if absent) and is writable.
func (d *Doctor) checkDir(name, dir string) CheckResult {
	if dir == "" || dir == "." {
		dir, _ = os.Getwd()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return CheckResult{Name: name, Severity: Fail, Detail: fmt.Sprintf("%s: cannot create: %v", dir, err)}
	}
	probe, err := os.CreateTemp(dir, ".tapflow-doctor-*")
	if err != nil {
		return CheckResult{Name: name, Severity: Fail, Detail: fmt.Sprintf("%s: not writable: %v", dir, err)}
	}
	probeName := probe.Name()
	_ = probe.Close()
	_ = os.Remove(probeName)
	return CheckResult{Name: name, Severity: OK, Detail: fmt.Sprintf("%s writable", dir)}
}

func (d *Doctor) checkDisk(name, dir string) CheckResult {
	if dir == "" || dir == "." {
		dir, _ = os.Getwd()
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return CheckResult{Name: name, Severity: Warn, Detail: fmt.Sprintf("%s: usage unavailable: %v", dir, err)}
	}
	detail := fmt.Sprintf("%s: %.1f GiB free of %.1f GiB (%.0f%% used)",
		dir, float64(usage.Free)/(1<<30), float64(usage.Total)/(1<<30), usage.UsedPercent)
	switch {
	case usage.Free < diskFailFreeBytes:
		return CheckResult{Name: name, Severity: Fail, Detail: detail + ", nearly full"}
	case usage.Free < diskWarnFreeBytes:
		return CheckResult{Name: name, Severity: Warn, Detail: detail + ", running low"}
	}
	return CheckResult{Name: name, Severity: OK, Detail: detail}
}

// checkBlockDevices lists local storage so operators can spot removable or
// network-backed media under the data directory. Best-effort.
func (d *Doctor) checkBlockDevices() CheckResult {
	block, err := ghw.Block()
	if err != nil || block == nil || len(block.Disks) == 0 {
		return CheckResult{Name: "block devices", Severity: Warn, Detail: "block device inventory unavailable"}
	}
	parts := make([]string, 0, len(block.Disks))
	for _, bd := range block.Disks {
		desc := fmt.Sprintf("%s %.1f GiB", bd.Name, float64(bd.SizeBytes)/(1<<30))
		if bd.IsRemovable {
			desc += " (removable)"
		}
		parts = append(parts, desc)
	}
	return CheckResult{Name: "block devices", Severity: OK, Detail: strings.Join(parts, ", ")}
}

func formatUptime(seconds uint64) string {
	const day = 86400
	if seconds >= day {
		return fmt.Sprintf("%dd%dh", seconds/day, (seconds%day)/3600)
	}
	return fmt.Sprintf("%dh%dm", seconds/3600, (seconds%3600)/60)
}
