// Package env abstracts runtime-environment probes so the agent core never
// inspects host globals directly and stays testable without a real deployment.
package env

import (
	"net"
	"strings"
)

// PermissionState mirrors the runtime's notification-permission values.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// Capabilities is the injected provider the core queries instead of touching
// ambient state. Implementations must be safe for concurrent use.
type Capabilities interface {
	// IsLoopbackHost reports whether the agent serves a local development
	// host. Dev-only pass-through rules apply only when this is true.
	IsLoopbackHost() bool

	// IsStandaloneDisplay reports whether clients run in installed
	// (standalone) display mode rather than a plain tab.
	IsStandaloneDisplay() bool

	// PermissionState returns the current notification permission.
	PermissionState() PermissionState
}

// HostCapabilities derives capabilities from the configured public host name.
type HostCapabilities struct {
	Host       string
	Standalone bool
	Permission PermissionState
}

// IsLoopbackHost 判断配置的 Host 是否为 localhost 或回环地址。
func (h HostCapabilities) IsLoopbackHost() bool {
	host := strings.TrimSpace(h.Host)
	if idx := strings.LastIndex(host, ":"); idx > 0 && !strings.Contains(host, "]") {
		host = host[:idx]
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func (h HostCapabilities) IsStandaloneDisplay() bool {
	return h.Standalone
}

func (h HostCapabilities) PermissionState() PermissionState {
	if h.Permission == "" {
		return PermissionDefault
	}
	return h.Permission
}
