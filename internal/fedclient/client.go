package fedclient

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/construct-go/homeserver/internal/errs"
	"github.com/construct-go/homeserver/internal/fiber"
	"github.com/construct-go/homeserver/internal/httpframe"
	"github.com/construct-go/homeserver/internal/reactor"
	"golang.org/x/crypto/ed25519"
)

// fiberConn adapts a net.Conn so every Read/Write suspends the owning
// fiber through the reactor instead of blocking an OS thread, letting
// httpframe's bufio-based parsers and crypto/tls's handshake run
// unmodified on top of the fiber runtime.
type fiberConn struct {
	conn     net.Conn
	reactor  *reactor.Reactor
	fiber    *fiber.Fiber
	deadline time.Time
}

func (c *fiberConn) Read(p []byte) (int, error)  { return c.reactor.Read(c.fiber, c.conn, p, c.deadline) }
func (c *fiberConn) Write(p []byte) (int, error) { return c.reactor.Write(c.fiber, c.conn, p, c.deadline) }
func (c *fiberConn) Close() error                { return c.conn.Close() }

// Client issues signed federation requests over connections dialed
// through the reactor, with per-destination discovery caching and
// circuit breaking.
type Client struct {
	Origin     string
	KeyID      string
	PrivateKey ed25519.PrivateKey

	reactor  *reactor.Reactor
	resolver *Resolver
	breakers *Pool

	connMu sync.Mutex
	conns  map[string]net.Conn // destination addr -> pooled connection

	dialTimeout    time.Duration
	requestTimeout time.Duration
}

// NewClient constructs a Client that signs requests as origin/keyID and
// dials through r.
func NewClient(r *reactor.Reactor, origin, keyID string, priv ed25519.PrivateKey) *Client {
	return &Client{
		Origin:         origin,
		KeyID:          keyID,
		PrivateKey:     priv,
		reactor:        r,
		resolver:       NewResolver(time.Hour, 10*time.Minute),
		breakers:       NewPool(5, time.Minute),
		conns:          make(map[string]net.Conn),
		dialTimeout:    10 * time.Second,
		requestTimeout: 30 * time.Second,
	}
}

// Avail reports whether destination currently has a pooled connection.
func (c *Client) Avail(destination string) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	_, ok := c.conns[destination]
	return ok
}

// Linked is an alias of Avail, naming the federation client's pool-state
// predicate the way the uniform request contract describes it.
func (c *Client) Linked(destination string) bool { return c.Avail(destination) }

// Errant reports whether destination's circuit breaker is currently open.
func (c *Client) Errant(destination string) bool {
	return c.breakers.For(destination).Errant()
}

// Exists reports whether destination resolves to an address at all,
// resolving it now when no cached result exists; a cached negative
// result reports false.
func (c *Client) Exists(destination string) bool {
	_, err := c.resolver.Resolve(destination)
	return err == nil
}

// Prelink pre-warms DNS resolution and a TLS connection for destination
// without issuing a request.
func (c *Client) Prelink(f *fiber.Fiber, destination string) error {
	_, err := c.dial(f, destination)
	return err
}

func (c *Client) dial(f *fiber.Fiber, destination string) (net.Conn, error) {
	c.connMu.Lock()
	if conn, ok := c.conns[destination]; ok {
		c.connMu.Unlock()
		return conn, nil
	}
	c.connMu.Unlock()

	dest, err := c.resolver.Resolve(destination)
	if err != nil {
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: resolving %s", destination)
	}

	deadline := time.Now().Add(c.dialTimeout)
	raw, err := c.reactor.Dial(f, "tcp", dest.Addr, c.dialTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: dialing %s", destination)
	}

	wrapped := &fiberConn{conn: raw, reactor: c.reactor, fiber: f, deadline: deadline}
	tlsConn := tls.Client(wrapped, &tls.Config{ServerName: dest.TLSServer})
	if err := tlsConn.Handshake(); err != nil {
		raw.Close()
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: TLS handshake with %s", destination)
	}

	c.connMu.Lock()
	c.conns[destination] = tlsConn
	c.connMu.Unlock()
	return tlsConn, nil
}

// invalidate drops a pooled connection after a request fails on it.
func (c *Client) invalidate(destination string) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if conn, ok := c.conns[destination]; ok {
		conn.Close()
		delete(c.conns, destination)
	}
}

// Response is a received federation response: status, headers, and body
// bytes (fully buffered — federation payloads are bounded by the
// transaction size limits in this package's operations).
type Response struct {
	Status  int
	Headers *httpframe.Header
	Body    []byte
}

// do performs one signed HTTP request against destination and returns
// its parsed response, suspending f at every I/O point via the reactor.
func (c *Client) do(f *fiber.Fiber, destination, method, path string, query map[string]string, body []byte) (*Response, error) {
	breaker := c.breakers.For(destination)
	if !breaker.Allow() {
		return nil, errs.New(errs.Overloaded, "fedclient: %s is errant", destination)
	}

	resp, err := c.doOnce(f, destination, method, path, query, body)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	if resp.Status >= 500 {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	return resp, nil
}

func (c *Client) doOnce(f *fiber.Fiber, destination, method, path string, query map[string]string, body []byte) (*Response, error) {
	conn, err := c.dial(f, destination)
	if err != nil {
		return nil, err
	}

	uri := path
	if qs := sortedQuery(query); qs != "" {
		uri += "?" + qs
	}

	authz, err := SignRequest(c.Origin, destination, c.KeyID, c.PrivateKey, method, uri, body)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "fedclient: signing request")
	}

	var requestBuf []byte
	requestBuf = append(requestBuf, fmt.Sprintf("%s %s HTTP/1.1\r\n", method, uri)...)
	requestBuf = append(requestBuf, fmt.Sprintf("Host: %s\r\n", destination)...)
	requestBuf = append(requestBuf, fmt.Sprintf("Authorization: %s\r\n", authz)...)
	if len(body) > 0 {
		requestBuf = append(requestBuf, "Content-Type: application/json\r\n"...)
		requestBuf = append(requestBuf, fmt.Sprintf("Content-Length: %d\r\n", len(body))...)
	}
	requestBuf = append(requestBuf, "Connection: keep-alive\r\n\r\n"...)
	requestBuf = append(requestBuf, body...)

	deadline := time.Now().Add(c.requestTimeout)
	wrapped := &fiberConn{conn: conn, reactor: c.reactor, fiber: f, deadline: deadline}
	if err := writeFull(wrapped, requestBuf); err != nil {
		c.invalidate(destination)
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: writing request to %s", destination)
	}

	br := bufio.NewReader(wrapped)
	status, err := httpframe.ReadStatusLine(br)
	if err != nil {
		c.invalidate(destination)
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: reading status line from %s", destination)
	}
	headers, err := httpframe.ReadHeaders(br)
	if err != nil {
		c.invalidate(destination)
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: reading headers from %s", destination)
	}
	bodyReader, err := httpframe.BodyReader(br, headers)
	if err != nil {
		c.invalidate(destination)
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: framing response body from %s", destination)
	}
	respBody, err := io.ReadAll(bodyReader)
	if err != nil {
		c.invalidate(destination)
		return nil, errs.Wrap(errs.FetchFailed, err, "fedclient: reading response body from %s", destination)
	}

	return &Response{Status: status.Status, Headers: headers, Body: respBody}, nil
}

func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// decodeJSON unmarshals resp.Body into v, returning a descriptive error
// if the destination did not reply with 2xx.
func decodeJSON(resp *Response, v interface{}) error {
	if resp.Status < 200 || resp.Status >= 300 {
		return errs.New(errs.FetchFailed, "fedclient: HTTP %d: %s", resp.Status, resp.Body)
	}
	if v == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return errs.Wrap(errs.Invalid, err, "fedclient: decoding response body")
	}
	return nil
}

// transactionID derives a transaction id from the truncated base64 of
// the SHA-256 digest of the canonical transaction body, as the PDU-send
// operation's transaction format requires.
func transactionID(canonicalBody []byte) string {
	sum := sha256.Sum256(canonicalBody)
	return base64.RawURLEncoding.EncodeToString(sum[:])[:16]
}

func encodePathSegment(s string) string {
	return url.PathEscape(s)
}
