package httpframe

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestLineSplitsQueryAndFragment(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /_matrix/federation/v1/version?foo=bar#frag HTTP/1.1\r\n"))
	line, err := ReadRequestLine(r)
	require.NoError(t, err)
	assert.Equal(t, "GET", line.Method)
	assert.Equal(t, "/_matrix/federation/v1/version", line.Path)
	assert.Equal(t, "foo=bar", line.Query)
	assert.Equal(t, "frag", line.Fragment)
	assert.Equal(t, "HTTP/1.1", line.Version)
}

func TestReadRequestLineRejectsUnsupportedVersion(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET / HTTP/2.0\r\n"))
	_, err := ReadRequestLine(r)
	require.Error(t, err)
	var verr *HTTPVersionNotSupportedError
	assert.ErrorAs(t, err, &verr)
}

func TestReadRequestLineRejectsMalformedLine(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("not-a-request-line\r\n"))
	_, err := ReadRequestLine(r)
	require.Error(t, err)
	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, "request-line", perr.Rule)
}

func TestReadStatusLineParsesVersionStatusReason(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("HTTP/1.1 200 OK\r\n"))
	sl, err := ReadStatusLine(r)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1", sl.Version)
	assert.Equal(t, 200, sl.Status)
	assert.Equal(t, "OK", sl.Reason)
}

func TestReadHeadersIsCaseInsensitiveOnLookup(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Type: application/json\r\nX-Matrix: origin=a.test\r\n\r\n"))
	h, err := ReadHeaders(r)
	require.NoError(t, err)
	assert.Equal(t, "application/json", h.Get("content-type"))
	assert.Equal(t, "origin=a.test", h.Get("X-MATRIX"))
}

func TestReadHeadersRejectsMissingColon(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("not-a-header-line\r\n\r\n"))
	_, err := ReadHeaders(r)
	require.Error(t, err)
}

func TestBodyReaderRejectsConflictingFraming(t *testing.T) {
	h := &Header{}
	h.Add("Content-Length", "5")
	h.Add("Transfer-Encoding", "chunked")
	r := bufio.NewReader(strings.NewReader("hello"))
	_, err := BodyReader(r, h)
	require.Error(t, err)
}

func TestBodyReaderContentLengthLimitsRead(t *testing.T) {
	h := &Header{}
	h.Add("Content-Length", "5")
	r := bufio.NewReader(strings.NewReader("hello world"))
	body, err := BodyReader(r, h)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestBodyReaderChunkedReassemblesSegments(t *testing.T) {
	h := &Header{}
	h.Add("Transfer-Encoding", "chunked")
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	body, err := BodyReader(r, h)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestBodyReaderChunkedSkipsExtensionsAndTrailer(t *testing.T) {
	h := &Header{}
	h.Add("Transfer-Encoding", "chunked")
	raw := "3;foo=bar\r\nabc\r\n0\r\nX-Trailer: value\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	body, err := BodyReader(r, h)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}
