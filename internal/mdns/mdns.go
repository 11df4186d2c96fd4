// Package mdns advertises analyzer servers on the local network and finds
// them again.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type of analyzer servers.
	Service = "_suscan._tcp"
	// Domain is the browse domain.
	Domain = "local."
)

// Host represents a discovered analyzer server
type Host struct {
	Instance  string // Advertised name: "suscan on rooftop"
	Hostname  string // DNS hostname: "rooftop.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Addr returns host:port for the first known address, falling back to the
// hostname.
func (h Host) Addr() string {
	host := strings.TrimSuffix(h.Hostname, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0].String()
	}
	return net.JoinHostPort(host, fmt.Sprint(h.Port))
}

// Advertisement is a running registration. Shutdown withdraws it.
type Advertisement struct {
	server *zeroconf.Server
}

// Shutdown stops answering queries for the service.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Advertise registers instance on port. The registration is withdrawn when
// ctx is canceled or Shutdown is called.
func Advertise(ctx context.Context, instance string, port int, txt []string) (*Advertisement, error) {
	if instance == "" {
		return nil, errors.New("mdns: empty instance name")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("mdns: invalid port %d", port)
	}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register error: %w", err)
	}
	a := &Advertisement{server: server}
	context.AfterFunc(ctx, a.Shutdown)
	return a, nil
}

// Discover performs a blocking mDNS browse for analyzer servers until ctx
// expires. It returns cleaned and deduplicated host entries.
func Discover(ctx context.Context) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	// Consumer goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFromEntry(e)
				resultMap[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	// Consolidate IPs (both v4 and v6)
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}

// TXTValue returns the value of key in a key=value TXT list.
func TXTValue(txt []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range txt {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix), true
		}
	}
	return "", false
}
