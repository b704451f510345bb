// Package service installs the relay as a system service. Only systemd on
// Linux is supported.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrUnsupported is returned on platforms without service support.
var ErrUnsupported = errors.New("service management is only supported on Linux with systemd")

// ServiceConfig holds configuration for installing the service.
type ServiceConfig struct {
	// Name is the service name (systemd unit name without suffix)
	Name string

	// Description is the service description
	Description string

	// ConfigPath is the absolute path to the config file
	ConfigPath string

	// WorkingDir is the working directory for the service
	WorkingDir string

	// User is the user to run the service as (empty for root)
	User string

	// Group is the group to run the service as (empty for root)
	Group string

	// BindPrivileged grants CAP_NET_BIND_SERVICE so a non-root User can bind
	// ports below 1024, such as SNMP on 161.
	BindPrivileged bool
}

// DefaultConfig returns a default service configuration.
func DefaultConfig(configPath string) ServiceConfig {
	absPath, _ := filepath.Abs(configPath)
	workDir := filepath.Dir(absPath)

	return ServiceConfig{
		Name:           "udp-relay",
		Description:    "UDP datagram relay",
		ConfigPath:     absPath,
		WorkingDir:     workDir,
		BindPrivileged: true,
	}
}

// IsRoot returns true if the current process runs with UID 0.
func IsRoot() bool {
	return isRootImpl()
}

// Install installs the running executable as a system service.
func Install(cfg ServiceConfig) error {
	if !IsSupported() {
		return ErrUnsupported
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to install service")
	}

	// Get the executable path
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// Resolve symlinks to get the real path
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops, disables and removes the system service.
func Uninstall(serviceName string) error {
	if !IsSupported() {
		return ErrUnsupported
	}
	if !IsRoot() {
		return fmt.Errorf("must run as root to uninstall service")
	}

	return uninstallImpl(serviceName)
}

// Status returns the current status of the service.
func Status(serviceName string) (string, error) {
	if !IsSupported() {
		return "", ErrUnsupported
	}
	return statusImpl(serviceName)
}

// IsInstalled checks if the service is already installed.
func IsInstalled(serviceName string) bool {
	return isInstalledImpl(serviceName)
}

// IsSupported returns true if service installation is supported on this platform.
func IsSupported() bool {
	return runtime.GOOS == "linux"
}

// runCommand executes a command and returns combined output.
func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
