package httpconn_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rawhttp-core/rawhttp/pkg/framing"
	"github.com/rawhttp-core/rawhttp/pkg/httpconn"
	"github.com/rawhttp-core/rawhttp/pkg/transport"
)

func listenerHostPort(t *testing.T, ln net.Listener) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return host, port
}

// TestCloseIsIdempotent verifies two Close calls leave the Connection in the
// same closed state with no additional side effects.
func TestCloseIsIdempotent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			<-time.After(200 * time.Millisecond)
			conn.Close()
		}
	}()

	host, port := listenerHostPort(t, ln)
	tr := transport.New()
	defer tr.Close()

	c := httpconn.New(tr)
	if err := c.Connect(context.Background(), httpconn.ConnectConfig{
		Scheme: "http", Host: host, Port: port, ConnectTimeout: 2 * time.Second,
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.State() != httpconn.StateClosed {
		t.Fatalf("expected StateClosed after Close, got %v", c.State())
	}
}

// TestConnectFailsOnProxyTunnelRefusal is scenario 6: a proxy that refuses
// the CONNECT tunnel (anything other than 200) must surface as a Connect
// error rather than a successfully established Connection.
func TestConnectFailsOnProxyTunnelRefusal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		var seen []byte
		for !bytes.Contains(seen, []byte("\r\n\r\n")) {
			n, err := conn.Read(buf)
			if n > 0 {
				seen = append(seen, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
		conn.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n"))
	}()

	proxyHost, proxyPort := listenerHostPort(t, ln)
	tr := transport.New()
	defer tr.Close()

	c := httpconn.New(tr)
	err = c.Connect(context.Background(), httpconn.ConnectConfig{
		Scheme:         "https",
		Host:           "upstream.example",
		Port:           443,
		ConnectTimeout: 2 * time.Second,
		Proxy: &transport.ProxyConfig{
			Type: "http",
			Host: proxyHost,
			Port: proxyPort,
		},
	})
	if err == nil {
		t.Fatalf("expected Connect to fail when the proxy refuses the CONNECT tunnel")
	}
}

// TestConnectionNotReusedAfterEarlyResponseAbort is scenario 7: when the
// peer replies before a large request body finishes sending, the
// Connection must not be considered keep-alive eligible afterward.
func TestConnectionNotReusedAfterEarlyResponseAbort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		var seen []byte
		for !bytes.Contains(seen, []byte("\r\n\r\n")) {
			n, err := conn.Read(buf)
			if n > 0 {
				seen = append(seen, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
		// Reply immediately, without reading the (still incoming) body.
		conn.Write([]byte("HTTP/1.1 413 Payload Too Large\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
		<-time.After(100 * time.Millisecond)
	}()

	host, port := listenerHostPort(t, ln)
	tr := transport.New()
	defer tr.Close()

	c := httpconn.New(tr)
	if err := c.Connect(context.Background(), httpconn.ConnectConfig{
		Scheme: "http", Host: host, Port: port, ConnectTimeout: 2 * time.Second,
	}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	const totalChunks = 2000
	sent := 0
	body := func() ([]byte, error) {
		if sent >= totalChunks {
			return nil, nil
		}
		sent++
		return bytes.Repeat([]byte("x"), 4096), nil
	}

	req := framing.Request{
		Method: "PUT",
		Target: "/upload",
		Headers: []framing.Header{
			{Name: "Host", Value: host},
			{Name: "Content-Length", Value: strconv.Itoa(totalChunks * 4096)},
		},
	}

	resp, err := c.SendRequest(context.Background(), req, body, false)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if resp.StatusCode != 413 {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	io.Copy(io.Discard, resp)

	if c.Complete() {
		t.Fatalf("expected the Connection to be ineligible for reuse after an early response aborted the request body")
	}
}
