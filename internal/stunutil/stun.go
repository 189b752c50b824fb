// Package stunutil discovers a node's public mapped address.
package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// ErrNoServers is returned when Probe is given nothing to ask.
var ErrNoServers = errors.New("stunutil: no STUN servers configured")

// Result is the outcome of a probe.
type Result struct {
	// Mapped is the address the first responding server saw.
	Mapped netip.AddrPort
	// NAT is inferred from comparing the mappings of several servers.
	NAT string
	// Answered counts the servers that responded.
	Answered int
}

// Probe queries each server for the mapped address of a fresh socket.
// Servers may be "host:port" or "stun:host:port"; the collector's own
// binding responder qualifies.
func Probe(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NAT: NATTypeUnknown}, ErrNoServers
	}

	mapped := make([]netip.AddrPort, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", server, err)
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		return Result{NAT: NATTypeUnknown}, lastErr
	}
	return Result{Mapped: mapped[0], NAT: Classify(mapped), Answered: len(mapped)}, nil
}

// Classify infers NAT behaviour: differing mappings across servers mean a
// symmetric NAT.
func Classify(mapped []netip.AddrPort) string {
	if len(mapped) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range mapped[1:] {
		if addr != mapped[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return netip.AddrPort{}, fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return netip.AddrPort{}, err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		addr netip.AddrPort
		err  error
	}
	done := make(chan outcome, 1)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}
	go func() {
		err := client.Do(stun.MustBuild(stun.TransactionID, stun.BindingRequest), func(ev stun.Event) {
			if ev.Error != nil {
				finish(outcome{err: ev.Error})
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				finish(outcome{err: err})
				return
			}
			ip, ok := netip.AddrFromSlice(xor.IP)
			if !ok {
				finish(outcome{err: fmt.Errorf("bad mapped address %v", xor.IP)})
				return
			}
			finish(outcome{addr: netip.AddrPortFrom(ip.Unmap(), uint16(xor.Port))})
		})
		if err != nil {
			finish(outcome{err: err})
		}
	}()

	select {
	case res := <-done:
		return res.addr, res.err
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}
