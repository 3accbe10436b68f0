package visa

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// mDNS service types advertised by LXI instruments.
const (
	ServiceSCPIRaw = "_scpi-raw._tcp"
	ServiceLXI     = "_lxi._tcp"
	ServiceHiSLIP  = "_hislip._tcp"
)

// BrowseLXI browses the local network for SCPI instruments and returns their
// socket addresses. A _scpi-raw entry carries the socket port directly; the
// others only name the host, so the default socket port is assumed.
func BrowseLXI(ctx context.Context, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found = make(map[string]bool)
		out   []string
		wg    sync.WaitGroup
	)
	add := func(a Address) {
		s := a.String()
		mu.Lock()
		defer mu.Unlock()
		if !found[s] {
			found[s] = true
			out = append(out, s)
		}
	}

	for _, service := range []string{ServiceSCPIRaw, ServiceLXI, ServiceHiSLIP} {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("mdns resolver: %w", err)
		}
		entries := make(chan *zeroconf.ServiceEntry)
		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case e, ok := <-entries:
					if !ok {
						return
					}
					if len(e.AddrIPv4) == 0 {
						continue
					}
					a := Address{Interface: InterfaceTCPIP, Host: e.AddrIPv4[0].String(), Port: DefaultSocketPort, Resource: ResourceInstr}
					if service == ServiceSCPIRaw && e.Port > 0 {
						a.Port = e.Port
						a.Resource = ResourceSocket
					}
					slog.Debug("lxi instrument found", "service", service, "instance", e.Instance, "addr", a.String())
					add(a)
				}
			}
		}(service)
		if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
			return nil, fmt.Errorf("mdns browse %s: %w", service, err)
		}
	}

	<-ctx.Done()
	wg.Wait()
	return out, nil
}
