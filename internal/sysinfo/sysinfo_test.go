package sysinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	// Version should either be a release version (set via ldflags)
	// or an enhanced dev version (dev-<commit> or dev-<timestamp>)
	t.Logf("Version: %s", Version)

	if Version == "dev" {
		t.Error("Version should not be plain 'dev' - enhanceDevVersion should have been called")
	}

	// Check valid version formats
	validFormats := []string{
		"dev-",   // Enhanced dev version (dev-abc1234, dev-abc1234-dirty, dev-20060102-150405)
		"v",      // Release version (v1.0.0)
		"latest", // Latest tag
	}

	hasValidFormat := false
	for _, prefix := range validFormats {
		if strings.HasPrefix(Version, prefix) {
			hasValidFormat = true
			break
		}
	}

	if !hasValidFormat {
		t.Errorf("Version %q has unexpected format", Version)
	}
}

func TestEnhanceDevVersion(t *testing.T) {
	version := enhanceDevVersion()
	t.Logf("Enhanced dev version: %s", version)

	if !strings.HasPrefix(version, "dev-") {
		t.Errorf("Enhanced version %q should start with 'dev-'", version)
	}

	// Should have something after "dev-"
	suffix := strings.TrimPrefix(version, "dev-")
	if suffix == "" {
		t.Error("Enhanced version should have content after 'dev-'")
	}
}

func TestCollect(t *testing.T) {
	info := Collect()

	if info.Version != Version {
		t.Errorf("Version = %q, want %q", info.Version, Version)
	}
	if info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("OS/Arch = %s/%s, want %s/%s", info.OS, info.Arch, runtime.GOOS, runtime.GOARCH)
	}
	if !info.StartTime.Equal(StartTime()) {
		t.Errorf("StartTime = %v, want %v", info.StartTime, StartTime())
	}
	for _, ip := range info.IPAddresses {
		if strings.HasPrefix(ip, "127.") {
			t.Errorf("loopback address %s should be excluded", ip)
		}
	}
}

func TestUptime(t *testing.T) {
	if StartTime().IsZero() {
		t.Fatal("StartTime should be set at init")
	}
	if Uptime() < 0 {
		t.Errorf("Uptime = %v, want non-negative", Uptime())
	}
	if len(GetLocalIPs()) > 10 {
		t.Error("GetLocalIPs should return at most 10 addresses")
	}
}
