// Package discovery advertises the parent over mDNS/DNS-SD and resolves
// advertised parents on the local network. Discovery is an optimization:
// agents can always register against a manually entered address, so an
// unavailable multicast stack disables advertising instead of failing.
package discovery

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultServiceType = "_hearth-parent._tcp"
	DefaultDomain      = "local."
)

type State string

const (
	StateIdle        State = "idle"
	StateAdvertising State = "advertising"
	StateDisabled    State = "disabled"
)

// Descriptor is published in the TXT record next to the parent UUID.
type Descriptor struct {
	Hostname string
	Version  string
	Platform string
}

// Registration is a live service record.
type Registration interface {
	Shutdown()
}

// Publisher announces a service record.
type Publisher interface {
	Publish(instance, serviceType, domain string, port int, txt []string) (Registration, error)
}

type zeroconfPublisher struct{}

func (zeroconfPublisher) Publish(instance, serviceType, domain string, port int, txt []string) (Registration, error) {
	server, err := zeroconf.Register(instance, serviceType, domain, port, txt, nil)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// ZeroconfPublisher publishes on all multicast interfaces.
func ZeroconfPublisher() Publisher { return zeroconfPublisher{} }

type AdvertiserConfig struct {
	ServiceType string
	Domain      string
	UUID        string
	Port        int
	Descriptor  Descriptor
}

type Advertiser struct {
	mu        sync.Mutex
	publisher Publisher
	cfg       AdvertiserConfig
	state     State
	reg       Registration
	lastErr   error
}

func NewAdvertiser(cfg AdvertiserConfig, publisher Publisher) *Advertiser {
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if publisher == nil {
		publisher = ZeroconfPublisher()
	}
	return &Advertiser{publisher: publisher, cfg: cfg, state: StateIdle}
}

// Start publishes the service record. A publisher failure moves the
// advertiser to disabled and is logged, never returned.
func (a *Advertiser) Start() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startLocked()
	return a.state
}

func (a *Advertiser) startLocked() {
	if a.state == StateAdvertising {
		return
	}

	reg, err := a.publisher.Publish(a.cfg.UUID, a.cfg.ServiceType, a.cfg.Domain, a.cfg.Port, TXTRecords(a.cfg.UUID, a.cfg.Descriptor))
	if err != nil {
		a.state = StateDisabled
		a.lastErr = err
		slog.Warn("mDNS advertising unavailable, continuing without discovery",
			"service", a.cfg.ServiceType, "error", err)
		return
	}

	a.reg = reg
	a.state = StateAdvertising
	a.lastErr = nil
	slog.Info("Advertising parent via mDNS",
		"instance", a.cfg.UUID, "service", a.cfg.ServiceType, "port", a.cfg.Port)
}

// Stop withdraws the record. Stopping a disabled advertiser resets it to idle.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *Advertiser) stopLocked() {
	if a.reg != nil {
		a.reg.Shutdown()
		a.reg = nil
		slog.Info("Stopped mDNS advertising", "instance", a.cfg.UUID)
	}
	a.state = StateIdle
}

// Update re-publishes with a new UUID and/or port. Empty values keep the
// current setting.
func (a *Advertiser) Update(uuid string, port int) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uuid != "" {
		a.cfg.UUID = uuid
	}
	if port > 0 {
		a.cfg.Port = port
	}
	a.stopLocked()
	a.startLocked()
	return a.state
}

func (a *Advertiser) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Advertiser) Advertised() bool {
	return a.State() == StateAdvertising
}

// Status is the advertiser snapshot exposed by the API.
type Status struct {
	State       State  `json:"state"`
	Advertised  bool   `json:"advertised"`
	ServiceType string `json:"service_type"`
	Instance    string `json:"instance"`
	Port        int    `json:"port"`
	Error       string `json:"error,omitempty"`
}

func (a *Advertiser) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{
		State:       a.state,
		Advertised:  a.state == StateAdvertising,
		ServiceType: a.cfg.ServiceType,
		Instance:    a.cfg.UUID,
		Port:        a.cfg.Port,
	}
	if a.lastErr != nil {
		st.Error = a.lastErr.Error()
	}
	return st
}

// TXTRecords builds the auxiliary fields of the service record.
func TXTRecords(uuid string, d Descriptor) []string {
	return []string{
		fmt.Sprintf("uuid=%s", uuid),
		fmt.Sprintf("hostname=%s", d.Hostname),
		fmt.Sprintf("version=%s", d.Version),
		fmt.Sprintf("platform=%s", d.Platform),
	}
}
