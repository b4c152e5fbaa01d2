package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

const (
	// MDNSAddr is the IPv4 mDNS multicast group.
	MDNSAddr = "224.0.0.251:5353"

	// DefaultMDNSTimeout bounds a single lookup.
	DefaultMDNSTimeout = 10 * time.Second
)

// Resolver turns a host name into an address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// MDNSResolver resolves .local names with a one-shot mDNS query sent
// from an ephemeral port, so responders answer by unicast.
type MDNSResolver struct {
	// Addr receives the query. Empty means MDNSAddr.
	Addr string
	// Timeout bounds the lookup. Zero means DefaultMDNSTimeout.
	Timeout time.Duration
}

// Resolve sends one A query for host and returns the first matching answer.
func (r *MDNSResolver) Resolve(ctx context.Context, host string) (string, error) {
	addr := r.Addr
	if addr == "" {
		addr = MDNSAddr
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultMDNSTimeout
	}

	fqdn := strings.TrimSuffix(host, ".") + "."
	name, err := dnsmessage.NewName(fqdn)
	if err != nil {
		return "", worker.ConfigurationError(fmt.Sprintf("invalid host name %q", host), err)
	}
	query, err := buildQuery(name)
	if err != nil {
		return "", err
	}

	dst, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return "", fmt.Errorf("invalid mDNS address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return "", fmt.Errorf("failed to open mDNS socket: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	if _, err := conn.WriteToUDP(query, dst); err != nil {
		return "", fmt.Errorf("failed to send mDNS query: %w", err)
	}

	buf := make([]byte, 9000)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", worker.ResolutionTimeout(fmt.Sprintf("Could not resolve %s", host), nil)
			}
			return "", fmt.Errorf("mDNS read failed: %w", err)
		}
		if ip, ok := matchA(buf[:n], fqdn); ok {
			return ip, nil
		}
	}
}

func buildQuery(name dnsmessage.Name) ([]byte, error) {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}); err != nil {
		return nil, err
	}
	return b.Finish()
}

// matchA returns the address of the first A record for fqdn in msg.
// Anything that does not parse is ignored; the multicast group is noisy.
func matchA(msg []byte, fqdn string) (string, bool) {
	var p dnsmessage.Parser
	hdr, err := p.Start(msg)
	if err != nil || !hdr.Response {
		return "", false
	}
	if err := p.SkipAllQuestions(); err != nil {
		return "", false
	}
	for {
		h, err := p.AnswerHeader()
		if err != nil {
			return "", false
		}
		if h.Type == dnsmessage.TypeA && strings.EqualFold(h.Name.String(), fqdn) {
			a, err := p.AResource()
			if err != nil {
				return "", false
			}
			return net.IP(a.A[:]).String(), true
		}
		if err := p.SkipAnswer(); err != nil {
			return "", false
		}
	}
}
