package platform

import "context"

// StubWifi is a no-op Wifi that reports immediate success, standing in for
// a real radio driver.
type StubWifi struct{}

func (StubWifi) Connect(ctx context.Context, ssid, passphrase string) error { return nil }
func (StubWifi) StartAP(ctx context.Context, ssid string) error             { return nil }
func (StubWifi) StopAP(ctx context.Context) error                          { return nil }

// StubDNSSD is a no-op DNSSD that accepts every publish/update without
// touching the network.
type StubDNSSD struct{}

func (StubDNSSD) Publish(serviceType string, port int, txt map[string]string) error { return nil }
func (StubDNSSD) Update(txt map[string]string) error                                { return nil }

// StubNetwork never reports a connectivity change; callers that assume the
// link is always up (the common case for a wired or already-associated
// device) can use it as-is.
type StubNetwork struct{}

func (StubNetwork) OnChange(handler func(up bool)) (unsubscribe func()) {
	return func() {}
}
