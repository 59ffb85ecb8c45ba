// Package discovery advertises and finds bridges on the local network via
// mDNS/DNS-SD.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_f503i._tcp"
	Domain      = "local."
)

// Service is a bridge found on the network.
type Service struct {
	Instance string            `json:"instance"`
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MDNS advertises and browses bridge services.
type MDNS struct {
	logger *slog.Logger
}

// New creates an MDNS helper.
func New(logger *slog.Logger) *MDNS {
	return &MDNS{logger: logger.With("component", "mdns")}
}

// Advertise registers the bridge and blocks until ctx is cancelled.
func (m *MDNS) Advertise(ctx context.Context, instance string, port int, metadata map[string]string) error {
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, TXTRecords(metadata), nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	m.logger.Info("advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Browse collects bridges answering within timeout.
func (m *MDNS) Browse(ctx context.Context, timeout time.Duration) ([]Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var (
		mu       sync.Mutex
		services []Service
		wg       sync.WaitGroup
	)

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			svc := entryToService(entry)
			mu.Lock()
			services = append(services, svc)
			mu.Unlock()
			m.logger.Debug("found bridge", "instance", svc.Instance, "address", svc.Address)
		}
	}()

	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	<-scanCtx.Done()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return append([]Service(nil), services...), nil
}

func entryToService(entry *zeroconf.ServiceEntry) Service {
	var address string
	if len(entry.AddrIPv4) > 0 {
		address = fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port)
	} else if len(entry.AddrIPv6) > 0 {
		address = fmt.Sprintf("[%s]:%d", entry.AddrIPv6[0], entry.Port)
	}
	return Service{
		Instance: entry.ServiceRecord.Instance,
		Address:  address,
		Metadata: ParseTXT(entry.Text),
	}
}

// TXTRecords renders metadata as sorted key=value records.
func TXTRecords(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	sort.Strings(txt)
	return txt
}

// ParseTXT parses key=value records, skipping malformed ones.
func ParseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, ok := strings.Cut(t, "=")
		if ok && k != "" {
			m[k] = v
		}
	}
	return m
}
