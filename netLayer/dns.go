package netLayer

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/5l1v3r1/ssf/utils"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var ErrRecursion = errors.New("multiple cname recursion not allowed")

// Is_DNSQuery_returnType_ReadErr reports whether err reflects a read
// failure on the underlying connection, as opposed to a negative or
// not-found answer.
func Is_DNSQuery_returnType_ReadErr(err error) bool {
	if err == nil {
		return false
	}
	switch err {
	case os.ErrNotExist, dns.ErrRcode, ErrRecursion:
		return false
	default:
		return true
	}
}

func Is_DNSQuery_returnType_ReadFatalErr(err error) bool {
	if !Is_DNSQuery_returnType_ReadErr(err) {
		return false
	}
	if ne, ok := err.(net.Error); ok {
		return !ne.Timeout()
	}
	return false
}

// DNSQuery issues a single query for domain (which must already be
// dns.Fqdn-escaped) over conn, following at most three levels of CNAME
// indirection. theMux serializes concurrent use of conn; pass nil to use a
// private mutex per call.
func DNSQuery(domain string, dns_type uint16, conn *dns.Conn, theMux *sync.Mutex, recursionCount int) (ip net.IP, ttl uint32, err error) {
	m := new(dns.Msg)
	m.SetQuestion(domain, dns_type)
	c := new(dns.Client)

	if theMux == nil {
		theMux = &sync.Mutex{}
	}

	theMux.Lock()
	r, _, err := c.ExchangeWithConn(m, conn)
	theMux.Unlock()

	if r == nil {
		if ce := utils.CanLogErr("dns query read err"); ce != nil {
			ce.Write(zap.Error(err))
		}
		return
	}

	if r.Rcode != dns.RcodeSuccess {
		if ce := utils.CanLogDebug("dns query rcode err"); ce != nil {
			ce.Write(zap.Int("rcode", r.Rcode))
		}
		err = dns.ErrRcode
		return
	}

	switch dns_type {
	case dns.TypeA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.A); ok {
				return aa.A, aa.Hdr.Ttl, nil
			}
		}
	case dns.TypeAAAA:
		for _, a := range r.Answer {
			if aa, ok := a.(*dns.AAAA); ok {
				return aa.AAAA, aa.Hdr.Ttl, nil
			}
		}
	}

	for _, a := range r.Answer {
		if aa, ok := a.(*dns.CNAME); ok {
			if recursionCount > 2 {
				err = ErrRecursion
				return
			}
			return DNSQuery(dns.Fqdn(aa.Target), dns_type, conn, theMux, recursionCount+1)
		}
	}

	err = os.ErrNotExist
	return
}

// Resolver holds a single upstream DNS connection plus a short-lived
// in-memory cache of resolved addresses. No other package calls it: the
// forward and socks microservices resolve names through the system resolver.
type Resolver struct {
	raddr *Addr
	conn  *dns.Conn
	mutex sync.Mutex

	cacheMu sync.RWMutex
	cache   map[string]ipRecord
}

type ipRecord struct {
	ip         net.IP
	ttl        uint32
	recordedAt time.Time
}

// NewResolver dials a single upstream DNS server, e.g. "udp://1.1.1.1:53".
func NewResolver(upstreamURL string) (*Resolver, error) {
	addr, err := NewAddrByURL(upstreamURL)
	if err != nil {
		return nil, err
	}

	c, err := net.DialTimeout("udp", addr.String(), 5*time.Second)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		raddr: &addr,
		conn:  &dns.Conn{Conn: c},
		cache: make(map[string]ipRecord),
	}, nil
}

func (r *Resolver) redial() error {
	nc, err := net.DialTimeout("udp", r.raddr.String(), 5*time.Second)
	if err != nil {
		return err
	}
	r.conn = &dns.Conn{Conn: nc}
	return nil
}

// Lookup resolves domain to an IP address (A first, falling back to AAAA),
// consulting a 60s cache first.
func (r *Resolver) Lookup(domain string) (net.IP, error) {
	domain = strings.TrimSuffix(domain, ".")

	r.cacheMu.RLock()
	rec, ok := r.cache[domain]
	r.cacheMu.RUnlock()
	if ok && time.Since(rec.recordedAt) < 60*time.Second {
		return rec.ip, nil
	}

	fqdn := dns.Fqdn(domain)

	ip, ttl, err := DNSQuery(fqdn, dns.TypeA, r.conn, &r.mutex, 0)
	if ip == nil {
		ip, ttl, err = DNSQuery(fqdn, dns.TypeAAAA, r.conn, &r.mutex, 0)
	}

	if Is_DNSQuery_returnType_ReadFatalErr(err) {
		r.conn.Close()
		if rerr := r.redial(); rerr != nil {
			return nil, rerr
		}
	}

	if ip == nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[domain] = ipRecord{ip: ip, ttl: ttl, recordedAt: time.Now()}
	r.cacheMu.Unlock()

	return ip, nil
}

func (r *Resolver) Close() error {
	return r.conn.Close()
}
