// Package resolver implements the synchronous DNS resolver adapter: a
// single blocking gethostbyname call, turning an asynchronous resolver
// library into a call a kernel thread can block on. Rather than
// busy-retrying a nonblocking API while polling a shared output cell
// for non-zero, this adapter issues the query on its own goroutine and
// blocks on a channel that goroutine closes over with the real result,
// a properly synchronous discipline.
package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// ErrNotFound is returned when the resolver library completes with a
// non-OK response code (NXDOMAIN, SERVFAIL, ...).
var ErrNotFound = errors.New("resolver: name did not resolve")

// DefaultServer is used when no resolver configuration is supplied by
// the caller; a teaching kernel has no /etc/resolv.conf to read.
const DefaultServer = "8.8.8.8:53"

// Resolver is the engine-facing handle this package wraps. Unlike the
// virtqueue driver and socket adapter, there is no persistent PCB
// here: the resolver request is ephemeral — a hostname string and an
// output address cell, no persistent state — so each call opens its
// own transient client connection.
type Resolver struct {
	Server string

	// retries bounds the transient-transport-error retry loop: once
	// completion is signalled synchronously, what remains to retry is
	// i/o timeouts and truncated responses a UDP resolver library can
	// hit, not an "in progress" status that never legitimately recurs.
	retries int
}

// New returns a resolver that queries server (host:port). If server is
// empty, DefaultServer is used.
func New(server string) *Resolver {
	if server == "" {
		server = DefaultServer
	}

	return &Resolver{Server: server, retries: 3}
}

// result packages a resolved address or a terminal failure.
type result struct {
	addr uint32
	err  error
}

// Resolve is gethostbyname: it blocks the calling kernel thread until
// the hostname resolves to an IPv4 address (host-order uint32) or
// fails. Failures are terminal — there is no retry across distinct
// resolutions, only within one in-flight query against transient
// transport errors.
func (r *Resolver) Resolve(ctx context.Context, hostname string) (uint32, error) {
	ch := make(chan result, 1)

	go func() {
		ch <- r.query(hostname)
	}()

	select {
	case res := <-ch:
		return res.addr, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Resolver) query(hostname string) result {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	m.RecursionDesired = true

	c := new(dns.Client)
	c.Timeout = 2 * time.Second

	var lastErr error

	for attempt := 0; attempt <= r.retries; attempt++ {
		resp, _, err := c.Exchange(m, r.Server)
		if err != nil {
			lastErr = err

			continue
		}

		if resp.Rcode != dns.RcodeSuccess {
			return result{err: fmt.Errorf("%w: %s", ErrNotFound, dns.RcodeToString[resp.Rcode])}
		}

		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				ip4 := a.A.To4()
				if ip4 == nil {
					continue
				}

				return result{addr: binary.BigEndian.Uint32(ip4)}
			}
		}

		return result{err: fmt.Errorf("%w: no A record in response", ErrNotFound)}
	}

	return result{err: fmt.Errorf("resolver: giving up after %d attempts: %w", r.retries+1, lastErr)}
}

// ResolveLoopback shortcuts "localhost" the way a teaching kernel's
// hosts file would, without a network round trip.
func ResolveLoopback(hostname string) (uint32, bool) {
	if hostname != "localhost" {
		return 0, false
	}

	return binary.BigEndian.Uint32([]byte{127, 0, 0, 1}), true
}
