// Package platform defines the hardware/network collaborator interfaces
// this agent consumes but does not implement: Wi-Fi association, mDNS/DNS-SD
// publication, and link-layer connectivity notification. Bootstrapping a
// Wi-Fi radio, publishing real mDNS records, and managing TLS sockets are
// out of scope for this agent (they live in platform-specific code outside
// this module); the stub implementations here let the core run and be
// tested without real hardware.
package platform

import "context"

// Wifi associates the device with a local access point, or runs it as its
// own temporary access point during onboarding.
type Wifi interface {
	Connect(ctx context.Context, ssid, passphrase string) error
	StartAP(ctx context.Context, ssid string) error
	StopAP(ctx context.Context) error
}

// DNSSD publishes and updates the device's local service discovery record.
type DNSSD interface {
	Publish(serviceType string, port int, txt map[string]string) error
	Update(txt map[string]string) error
}

// Network reports link-layer connectivity transitions to whatever
// subscribes via OnChange, typically the registration controller's
// NetworkChanged method.
type Network interface {
	OnChange(handler func(up bool)) (unsubscribe func())
}
