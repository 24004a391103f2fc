package diagnostics

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestDoctor_RunOnWritableDirs(t *testing.T) {
	dir := t.TempDir()
	d := &Doctor{
		DataPath:  filepath.Join(dir, "data", "tasks.db"),
		BackupDir: filepath.Join(dir, "backups"),
	}

	results := d.Run()
	if len(results) == 0 {
		t.Fatal("no check results")
	}

	byName := make(map[string]CheckResult)
	for _, r := range results {
		byName[r.Name] = r
	}
	for _, name := range []string{"data directory", "backup directory"} {
		r, ok := byName[name]
		if !ok {
			t.Errorf("missing check %q", name)
			continue
		}
		if r.Severity != OK {
			t.Errorf("%s severity = %s (%s)", name, r.Severity, r.Detail)
		}
	}
}

func TestDoctor_UnwritableDirFails(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced the same way on windows")
	}

	d := &Doctor{DataPath: "/proc/tapflow/tasks.db", BackupDir: t.TempDir()}
	results := d.Run()
	if Healthy(results) {
		t.Error("unwritable data directory should fail the doctor")
	}
}

func TestDoctor_SkipsDuplicateDiskCheck(t *testing.T) {
	dir := t.TempDir()
	d := &Doctor{DataPath: filepath.Join(dir, "tasks.db"), BackupDir: dir}

	count := 0
	for _, r := range d.Run() {
		if r.Name == "data disk" || r.Name == "backup disk" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("disk checks = %d, want 1 when both paths share a directory", count)
	}
}

func TestHealthy(t *testing.T) {
	if !Healthy([]CheckResult{{Severity: OK}, {Severity: Warn}}) {
		t.Error("warnings should not mark the host unhealthy")
	}
	if Healthy([]CheckResult{{Severity: OK}, {Severity: Fail}}) {
		t.Error("a failed check should mark the host unhealthy")
	}
	if !Healthy(nil) {
		t.Error("no results means nothing failed")
	}
}

func TestSeverityString(t *testing.T) {
	cases := map[Severity]string{OK: "ok", Warn: "warn", Fail: "fail", Severity(9): "unknown"}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("Severity(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestFormatUptime(t *testing.T) {
	cases := map[uint64]string{
		90:     "0h1m",
		3660:   "1h1m",
		90000:  "1d1h",
		172800: "2d0h",
	}
	for in, want := range cases {
		if got := formatUptime(in); got != want {
			t.Errorf("formatUptime(%d) = %q, want %q", in, got, want)
		}
	}
}
