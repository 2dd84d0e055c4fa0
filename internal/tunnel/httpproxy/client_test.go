package httpproxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"proxynode/nodepool/model"
)

// connectHandler is a minimal CONNECT proxy that echoes the tunneled stream
// instead of dialing out.
func connectHandler(t *testing.T, wantAuth string, seen chan<- string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodConnect {
			http.Error(w, "only CONNECT", http.StatusMethodNotAllowed)
			return
		}
		if seen != nil {
			seen <- r.Host
		}
		if wantAuth != "" && r.Header.Get("Proxy-Authorization") != wantAuth {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		buf.WriteString("HTTP/1.1 200 Connection established\r\n\r\n")
		buf.Flush()
		io.Copy(conn, buf)
	})
}

func recordFor(t *testing.T, srv *httptest.Server, protocol model.Protocol) model.NodeRecord {
	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return model.NodeRecord{ID: "h", Host: host, Port: port, Protocol: protocol, IsEnabled: true, TLSInsecure: true}
}

func dial(t *testing.T, record model.NodeRecord) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", record.Address(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("Expected echo 'hello', got %q (%v)", buf, err)
	}
}

func TestConnect_HTTP(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(connectHandler(t, "", seen))
	defer srv.Close()
	record := recordFor(t, srv, model.ProtocolHTTP)

	conn, err := NewClient(record, "").Connect(context.Background(), dial(t, record), "example.invalid:443")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if host := <-seen; host != "example.invalid:443" {
		t.Errorf("Expected CONNECT to the unresolved hostname, got %q", host)
	}
	roundTrip(t, conn)
}

func TestConnect_HTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(connectHandler(t, "", nil))
	defer srv.Close()
	record := recordFor(t, srv, model.ProtocolHTTPS)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := NewClient(record, "").Connect(ctx, dial(t, record), "example.invalid:443")
	if err != nil {
		t.Fatalf("Connect over TLS failed: %v", err)
	}
	roundTrip(t, conn)
}

func TestConnect_ProxyAuth(t *testing.T) {
	// "user:pass"
	srv := httptest.NewServer(connectHandler(t, "Basic dXNlcjpwYXNz", nil))
	defer srv.Close()
	record := recordFor(t, srv, model.ProtocolHTTP)

	if _, err := NewClient(record, "").Connect(context.Background(), dial(t, record), "a.invalid:80"); err == nil {
		t.Error("Expected 407 without credentials")
	}

	record.Username, record.Password = "user", "pass"
	conn, err := NewClient(record, "").Connect(context.Background(), dial(t, record), "a.invalid:80")
	if err != nil {
		t.Fatalf("Connect with credentials failed: %v", err)
	}
	roundTrip(t, conn)
}

func TestCheckConnection_UsesCheckTarget(t *testing.T) {
	seen := make(chan string, 1)
	srv := httptest.NewServer(connectHandler(t, "", seen))
	defer srv.Close()
	record := recordFor(t, srv, model.ProtocolHTTP)

	if err := NewClient(record, "check.invalid:443").CheckConnection(context.Background(), dial(t, record)); err != nil {
		t.Fatalf("CheckConnection failed: %v", err)
	}
	if host := <-seen; host != "check.invalid:443" {
		t.Errorf("Expected check target in CONNECT, got %q", host)
	}
}

func TestConnect_NotAProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	record := recordFor(t, srv, model.ProtocolHTTP)

	if _, err := NewClient(record, "").Connect(context.Background(), dial(t, record), "a.invalid:80"); err == nil {
		t.Error("Expected a non-proxy server to fail CONNECT")
	}
}
