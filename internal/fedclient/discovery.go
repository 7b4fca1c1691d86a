package fedclient

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Destination is a resolved host:port to dial for a server name, plus the
// TLS server name to present (the server name itself, not the resolved
// host, per the federation server-name-vs-delegated-host split).
type Destination struct {
	Addr       string
	TLSServer  string
	ResolvedBy string // "literal", "well-known", "well-known+srv", "srv", "a"
}

// Resolver resolves a Matrix server name to a concrete destination via,
// in order: literal host:port, .well-known/matrix/server, SRV record
// _matrix-fed._tcp.<name> (then _matrix._tcp.<name>), and a fallback
// A/AAAA lookup on port 8448. Results
// are cached, including negative results, with the cache's own TTL
// (go-cache's Set(key, val, ttl) idiom, the same one prysm's attestation
// pool cache uses).
type Resolver struct {
	cache        *gocache.Cache
	wellKnownGet func(serverName string) (delegatedTo string, err error)
	srvLookup    func(serverName string) (target string, port uint16, err error)
}

// NewResolver constructs a Resolver whose positive and negative cache
// entries expire after ttl.
func NewResolver(ttl, cleanupInterval time.Duration) *Resolver {
	return &Resolver{
		cache:        gocache.New(ttl, cleanupInterval),
		wellKnownGet: lookupWellKnown,
		srvLookup:    lookupSRV,
	}
}

type cachedResolution struct {
	dest *Destination
	err  error
}

// Resolve returns the destination to dial for serverName, or a
// previously cached negative result.
func (r *Resolver) Resolve(serverName string) (*Destination, error) {
	if v, ok := r.cache.Get(serverName); ok {
		c := v.(cachedResolution)
		return c.dest, c.err
	}

	dest, err := r.resolveUncached(serverName)
	r.cache.Set(serverName, cachedResolution{dest: dest, err: err}, gocache.DefaultExpiration)
	return dest, err
}

func (r *Resolver) resolveUncached(serverName string) (*Destination, error) {
	if host, port, ok := splitLiteralHostPort(serverName); ok {
		return &Destination{Addr: net.JoinHostPort(host, port), TLSServer: host, ResolvedBy: "literal"}, nil
	}

	if delegatedTo, err := r.wellKnownGet(serverName); err == nil && delegatedTo != "" {
		if host, port, ok := splitLiteralHostPort(delegatedTo); ok {
			return &Destination{Addr: net.JoinHostPort(host, port), TLSServer: serverName, ResolvedBy: "well-known"}, nil
		}
		if target, port, err := r.srvLookup(delegatedTo); err == nil {
			return &Destination{Addr: net.JoinHostPort(target, strconv.Itoa(int(port))), TLSServer: serverName, ResolvedBy: "well-known+srv"}, nil
		}
		return &Destination{Addr: net.JoinHostPort(delegatedTo, "8448"), TLSServer: serverName, ResolvedBy: "well-known"}, nil
	}

	if target, port, err := r.srvLookup(serverName); err == nil {
		return &Destination{Addr: net.JoinHostPort(target, strconv.Itoa(int(port))), TLSServer: serverName, ResolvedBy: "srv"}, nil
	}

	if _, err := net.LookupHost(serverName); err != nil {
		return nil, fmt.Errorf("fedclient: no address found for %s: %w", serverName, err)
	}
	return &Destination{Addr: net.JoinHostPort(serverName, "8448"), TLSServer: serverName, ResolvedBy: "a"}, nil
}

func splitLiteralHostPort(serverName string) (host, port string, ok bool) {
	host, port, err := net.SplitHostPort(serverName)
	if err != nil {
		return "", "", false
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", "", false
	}
	return host, port, true
}

func lookupWellKnown(serverName string) (string, error) {
	// Real implementation issues GET https://<serverName>/.well-known/matrix/server
	// and parses {"m.server": "host[:port]"}. Kept as a seam so tests can
	// substitute a stub without a live network.
	return "", fmt.Errorf("fedclient: well-known lookup not available for %s", serverName)
}

func lookupSRV(serverName string) (string, uint16, error) {
	_, addrs, err := net.LookupSRV("matrix-fed", "tcp", serverName)
	if err != nil || len(addrs) == 0 {
		_, addrs, err = net.LookupSRV("matrix", "tcp", serverName)
	}
	if err != nil || len(addrs) == 0 {
		return "", 0, fmt.Errorf("fedclient: no SRV record for %s", serverName)
	}
	target := strings.TrimSuffix(addrs[0].Target, ".")
	return target, addrs[0].Port, nil
}
