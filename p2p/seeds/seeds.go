// Package seeds resolves bootstrap peer addresses published as DNS TXT
// records. A seed domain carries one record per peer:
//
//	ghostswap-seed=203.0.113.7:4100
//
// Records without the prefix are ignored so a zone can carry unrelated TXT
// data alongside the seeds.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	recordPrefix       = "ghostswap-seed="
	defaultLookupLabel = "_ghostswap."
	defaultDNSTimeout  = 3 * time.Second
)

// Resolver abstracts DNS TXT lookups so tests can supply fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// LookupName returns the TXT owner name queried for domain. Names that already
// start with an underscore label are used as given.
func LookupName(domain string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "_") {
		return trimmed
	}
	return defaultLookupLabel + trimmed
}

// ParseRecord extracts a dial address from a single TXT string.
func ParseRecord(record string) (string, bool, error) {
	trimmed := strings.TrimSpace(record)
	if !strings.HasPrefix(trimmed, recordPrefix) {
		return "", false, nil
	}
	addr := strings.TrimSpace(strings.TrimPrefix(trimmed, recordPrefix))
	if addr == "" {
		return "", true, errors.New("seed record has no address")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", true, fmt.Errorf("invalid seed address %q: %w", addr, err)
	}
	return addr, true, nil
}

// Resolve queries every domain and returns the de-duplicated, sorted set of
// dial addresses. Lookup and parse failures are joined into the error while
// the addresses that did resolve are still returned.
func Resolve(ctx context.Context, resolver Resolver, domains []string) ([]string, error) {
	if resolver == nil {
		resolver = DefaultResolver()
	}
	seen := make(map[string]struct{})
	var errs []error
	for _, domain := range domains {
		name := LookupName(domain)
		if name == "" {
			continue
		}
		records, err := resolver.LookupTXT(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("dns %s lookup failed: %w", name, err))
			continue
		}
		for _, record := range records {
			addr, ok, err := ParseRecord(record)
			if err != nil {
				errs = append(errs, fmt.Errorf("dns %s: %w", name, err))
				continue
			}
			if ok {
				seen[addr] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for addr := range seen {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out, errors.Join(errs...)
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return n.resolver.LookupTXT(ctx, name)
}

// DefaultResolver uses the system resolver.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}

// DNSResolver queries a fixed nameserver directly, bypassing the system
// resolver configuration.
type DNSResolver struct {
	Nameserver string
	Net        string
	Timeout    time.Duration
}

// NewDNSResolver returns a resolver for nameserver (host:port).
func NewDNSResolver(nameserver string) *DNSResolver {
	return &DNSResolver{Nameserver: strings.TrimSpace(nameserver), Net: "udp", Timeout: defaultDNSTimeout}
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if r == nil || r.Nameserver == "" {
		return nil, errors.New("nameserver not configured")
	}
	client := &dns.Client{Net: r.Net, Timeout: r.Timeout}
	if client.Timeout <= 0 {
		client.Timeout = defaultDNSTimeout
	}
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	query.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, query, r.Nameserver)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}
