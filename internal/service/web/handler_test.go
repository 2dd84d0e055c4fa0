package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"proxynode/internal/shared/types"
	manager "proxynode/nodepool"
	"proxynode/nodepool/metrics"
	"proxynode/nodepool/model"
)

type fakeController struct {
	mu        sync.Mutex
	nodes     []model.NodeRecord
	progress  *model.ProgressSnapshot
	sweepErr  error
	sweeps    int
	resets    int
	updateErr error
}

func (f *fakeController) Status() manager.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := manager.Status{IsEnabled: len(f.nodes) > 0, Progress: f.progress}
	for _, r := range f.nodes {
		st.Nodes = append(st.Nodes, model.NodeStatus{Record: r, Health: model.DefaultHealthState()})
	}
	return st
}

func (f *fakeController) Progress() *model.ProgressSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress
}

func (f *fakeController) RunSweep(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return f.sweepErr
}

func (f *fakeController) ResetStates() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeController) Nodes() []model.NodeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.NodeRecord(nil), f.nodes...)
}

func (f *fakeController) UpdateNodes(records []model.NodeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	f.nodes = records
	return nil
}

// with runs fn under the fake's lock; requests are served on other goroutines.
func (f *fakeController) with(fn func(f *fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeController) TrafficStats() types.TrafficStats {
	return types.TrafficStats{Uplink: 10, Downlink: 20}
}

func newTestServer(t *testing.T, ctrl Controller, cfg types.LocalConf, hub *Hub) *httptest.Server {
	t.Helper()
	if hub == nil {
		hub = NewHub()
	}
	srv := httptest.NewServer(NewMux(cfg, ctrl, hub, metrics.NewRecorder().Registry))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var nodeA = model.NodeRecord{ID: "a", Host: "a.example", Port: 1080, Protocol: model.ProtocolSocks5, IsEnabled: true}

func TestHandleStatus(t *testing.T) {
	ctrl := &fakeController{nodes: []model.NodeRecord{nodeA}}
	srv := newTestServer(t, ctrl, types.LocalConf{}, nil)

	resp := do(t, http.MethodGet, srv.URL+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var got struct {
		Nodes     []model.NodeStatus `json:"nodes"`
		IsEnabled bool               `json:"is_enabled"`
		Traffic   types.TrafficStats `json:"traffic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Nodes) != 1 || got.Nodes[0].Record.ID != "a" || !got.IsEnabled {
		t.Errorf("Unexpected status %+v", got)
	}
	if got.Traffic.Downlink != 20 {
		t.Errorf("Expected traffic in status, got %+v", got.Traffic)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/api/status", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST, got %d", resp.StatusCode)
	}
}

func TestHandleProgress(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, types.LocalConf{}, nil)

	var got struct {
		Running   bool `json:"running"`
		Completed int  `json:"completed"`
		Total     int  `json:"total"`
		Percent   int  `json:"percent"`
	}
	json.NewDecoder(do(t, http.MethodGet, srv.URL+"/api/progress", "").Body).Decode(&got)
	if got.Running || got.Percent != 100 {
		t.Errorf("Expected idle progress, got %+v", got)
	}

	ctrl.with(func(f *fakeController) { f.progress = &model.ProgressSnapshot{Completed: 1, Total: 4} })
	json.NewDecoder(do(t, http.MethodGet, srv.URL+"/api/progress", "").Body).Decode(&got)
	if !got.Running || got.Completed != 1 || got.Total != 4 || got.Percent != 25 {
		t.Errorf("Expected running progress 1/4, got %+v", got)
	}
}

func TestHandleSweep(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, types.LocalConf{}, nil)

	if resp := do(t, http.MethodPost, srv.URL+"/api/sweep", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	ctrl.with(func(f *fakeController) { f.sweepErr = fmt.Errorf("wrapped: %w", manager.ErrSweepInProgress) })
	if resp := do(t, http.MethodPost, srv.URL+"/api/sweep", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409 while a sweep runs, got %d", resp.StatusCode)
	}

	ctrl.with(func(f *fakeController) { f.sweepErr = errors.New("boom") })
	if resp := do(t, http.MethodPost, srv.URL+"/api/sweep", ""); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/api/sweep", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", resp.StatusCode)
	}
	ctrl.with(func(f *fakeController) {
		if f.sweeps != 3 {
			t.Errorf("Expected 3 sweeps, got %d", f.sweeps)
		}
	})
}

func TestHandleReset(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, types.LocalConf{}, nil)

	if resp := do(t, http.MethodPost, srv.URL+"/api/reset", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	ctrl.with(func(f *fakeController) {
		if f.resets != 1 {
			t.Errorf("Expected one reset, got %d", f.resets)
		}
	})
}

func TestHandleNodes(t *testing.T) {
	ctrl := &fakeController{nodes: []model.NodeRecord{nodeA}}
	srv := newTestServer(t, ctrl, types.LocalConf{}, nil)

	var nodes []model.NodeRecord
	json.NewDecoder(do(t, http.MethodGet, srv.URL+"/api/nodes", "").Body).Decode(&nodes)
	if len(nodes) != 1 || nodes[0].ID != "a" {
		t.Fatalf("Unexpected nodes %+v", nodes)
	}

	body := `[{"id":"b","host":"b.example","port":8080,"protocol":"http","enabled":true}]`
	resp := do(t, http.MethodPut, srv.URL+"/api/nodes", body)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, b)
	}
	if got := ctrl.Nodes(); len(got) != 1 || got[0].ID != "b" || got[0].Protocol != model.ProtocolHTTP {
		t.Errorf("Expected nodes to be replaced, got %+v", got)
	}

	if resp := do(t, http.MethodPut, srv.URL+"/api/nodes", `{not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed JSON, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPut, srv.URL+"/api/nodes", `[{"id":"c","host":"","port":1,"protocol":"socks5"}]`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an invalid record, got %d", resp.StatusCode)
	}

	ctrl.with(func(f *fakeController) { f.updateErr = errors.New("disk full") })
	if resp := do(t, http.MethodPut, srv.URL+"/api/nodes", body); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500 when persisting fails, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/api/nodes", ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for DELETE, got %d", resp.StatusCode)
	}
}

func TestBasicAuth(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer(t, ctrl, types.LocalConf{WebUser: "admin", WebPassword: "pw"}, nil)

	if resp := do(t, http.MethodPost, srv.URL+"/api/reset", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/reset", nil)
	req.SetBasicAuth("admin", "pw")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with credentials, got %d", resp.StatusCode)
	}

	// 状态接口保持公开
	if resp := do(t, http.MethodGet, srv.URL+"/api/status", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("Expected public status, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeController{}, types.LocalConf{}, nil)

	resp := do(t, http.MethodGet, srv.URL+"/metrics", "")
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(b), "proxynode_pool_exhausted_total") {
		t.Errorf("Expected pool metrics, got %d: %.200s", resp.StatusCode, b)
	}
}

func TestHub_BroadcastsProgress(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := newTestServer(t, &fakeController{}, types.LocalConf{}, hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.BroadcastProgress(model.ProgressSnapshot{Completed: 2, Total: 3})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type string                 `json:"type"`
		Data model.ProgressSnapshot `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageSweepProgress || msg.Data.Completed != 2 || msg.Data.Total != 3 {
		t.Errorf("Unexpected message %+v", msg)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client was never unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatus_OmitsCredentials(t *testing.T) {
	secured := nodeA
	secured.Username, secured.Password = "alice", "s3cret"
	ctrl := &fakeController{nodes: []model.NodeRecord{secured}}
	srv := newTestServer(t, ctrl, types.LocalConf{WebUser: "admin", WebPassword: "pw"}, nil)

	if resp := do(t, http.MethodGet, srv.URL+"/api/nodes", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected /api/nodes to require auth, got %d", resp.StatusCode)
	}

	resp := do(t, http.MethodGet, srv.URL+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(b), "s3cret") || strings.Contains(string(b), "alice") {
		t.Errorf("Status leaked credentials: %s", b)
	}
	if !strings.Contains(string(b), "a.example") {
		t.Errorf("Expected node address in status: %s", b)
	}

	ctrl.with(func(f *fakeController) {
		if f.nodes[0].Password != "s3cret" {
			t.Error("Redaction must not modify the stored record")
		}
	})
}

func TestHub_StatusUpdateOmitsCredentials(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := newTestServer(t, &fakeController{}, types.LocalConf{}, hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client was never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	secured := nodeA
	secured.Password = "s3cret"
	hub.BroadcastStatusUpdate(manager.Status{Nodes: []model.NodeStatus{{Record: secured}}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), MessageStatusUpdate) || strings.Contains(string(b), "s3cret") {
		t.Errorf("Unexpected status broadcast: %s", b)
	}
}

func TestServeWs_RejectsCrossOrigin(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := newTestServer(t, &fakeController{}, types.LocalConf{}, hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		conn.Close()
		t.Fatal("Expected a cross-site websocket to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}
}

func TestStartServer(t *testing.T) {
	if srv, err := StartServer(types.LocalConf{}, &fakeController{}, NewHub(), nil); srv != nil || err != nil {
		t.Fatalf("Expected a disabled web API for web_port 0, got %v %v", srv, err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	srv, err := StartServer(types.LocalConf{WebPort: port}, &fakeController{nodes: []model.NodeRecord{nodeA}}, NewHub(), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp := do(t, http.MethodGet, "http://"+srv.Addr().String()+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 from the running server, got %d", resp.StatusCode)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := http.Get("http://" + srv.Addr().String() + "/api/status"); err == nil {
		t.Error("Expected the server to be closed")
	}
}
