// Package lnetohttp implements download.HTTPClient with a minimal
// HTTP/1.1 GET over a raw lneto tcp.Conn, for the tinygo root node where
// fasthttp's net/os dependencies aren't available. Uses the same
// dial/read discipline as transport/meshnet and control/control.go.
// Plain HTTP only: an https:// URL is accepted but fetched without TLS,
// unencrypted, on port 80 unless the URL names a port.
//
//go:build tinygo

package lnetohttp

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"openenterprise/meshota/download"
	"openenterprise/meshota/otaerr"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Client issues one GET per Fetch call and returns the whole response
// body already buffered, since lneto's async stack does not expose a
// long-lived streaming reader across goroutines.
type Client struct {
	Stack *xnet.StackAsync
}

func (c Client) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (download.Response, error) {
	host, port, path, err := splitURL(rawURL)
	if err != nil {
		return download.Response{}, otaerr.New(otaerr.InvalidArg, "lnetohttp.Fetch", err)
	}

	rstack := c.Stack.StackRetrying(5 * time.Millisecond)
	addrs, err := rstack.DoLookupIP(host, 5*time.Second, 2)
	if err != nil || len(addrs) == 0 {
		return download.Response{}, otaerr.New(otaerr.TransportTransient, "lnetohttp.Fetch", err)
	}

	var rxBuf, txBuf [4096]byte
	var conn tcp.Conn
	if err := conn.Configure(tcp.ConnConfig{RxBuf: rxBuf[:], TxBuf: txBuf[:], TxPacketQueueSize: 3}); err != nil {
		return download.Response{}, otaerr.New(otaerr.Fatal, "lnetohttp.Fetch", err)
	}

	lport := uint16(c.Stack.Prand32()>>17) + 1024
	dst := netip.AddrPortFrom(addrs[0], port)
	if err := rstack.DoDialTCP(&conn, lport, dst, timeout, 3); err != nil {
		conn.Abort()
		return download.Response{}, otaerr.New(otaerr.TransportTransient, "lnetohttp.Fetch", err)
	}

	req := "GET " + path + " HTTP/1.1\r\nHost: " + host + "\r\nConnection: close\r\n\r\n"
	conn.Write([]byte(req))
	conn.Flush()

	var body bytes.Buffer
	buf := make([]byte, 2048)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		n, err := conn.Read(buf)
		if n > 0 {
			body.Write(buf[:n])
		}
		if err == io.EOF || (n == 0 && conn.State().IsClosed()) {
			break
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	conn.Abort()

	status, headerEnd, err := parseStatusLine(body.Bytes())
	if err != nil {
		return download.Response{}, otaerr.New(otaerr.Fatal, "lnetohttp.Fetch", err)
	}
	contentLength := parseContentLength(body.Bytes()[:headerEnd])

	return download.Response{
		Status:        status,
		ContentLength: contentLength,
		Body:          io.NopCloser(bytes.NewReader(body.Bytes()[headerEnd:])),
	}, nil
}

func splitURL(raw string) (host string, port uint16, path string, err error) {
	rest := raw
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(rest, scheme) {
			rest = rest[len(scheme):]
			break
		}
	}
	slash := strings.IndexByte(rest, '/')
	hostport := rest
	path = "/"
	if slash >= 0 {
		hostport = rest[:slash]
		path = rest[slash:]
	}
	host = hostport
	port = 80
	if colon := strings.IndexByte(hostport, ':'); colon >= 0 {
		host = hostport[:colon]
		if p, perr := strconv.Atoi(hostport[colon+1:]); perr == nil {
			port = uint16(p)
		}
	}
	return host, port, path, nil
}

func parseStatusLine(b []byte) (status int, headerEnd int, err error) {
	sep := bytes.Index(b, []byte("\r\n\r\n"))
	if sep < 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	headerEnd = sep + 4
	line := b[:bytes.IndexByte(b, '\n')]
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return 0, headerEnd, io.ErrUnexpectedEOF
	}
	status, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	return status, headerEnd, err
}

func parseContentLength(header []byte) int64 {
	lines := strings.Split(string(header), "\r\n")
	for _, l := range lines {
		if strings.HasPrefix(strings.ToLower(l), "content-length:") {
			v := strings.TrimSpace(l[len("content-length:"):])
			n, _ := strconv.ParseInt(v, 10, 64)
			return n
		}
	}
	return -1
}
