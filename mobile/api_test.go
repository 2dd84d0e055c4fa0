package mobile

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

const testIni = `
[log]
level = error

[nodepool]
probe_timeout = 1
sweep_interval = 3600
`

func TestStartStopNodePool(t *testing.T) {
	nodes := `[{"id":"n1","host":"127.0.0.1","port":1,"protocol":"socks5","enabled":true}]`
	port, err := StartNodePool(testIni, nodes)
	if err != nil {
		t.Fatalf("StartNodePool failed: %v", err)
	}
	defer StopNodePool()
	if port <= 0 {
		t.Errorf("Expected a gateway port, got %d", port)
	}

	if _, err := StartNodePool(testIni, nodes); err == nil {
		t.Error("Expected a second start to fail while running")
	}

	js, err := GetStatusJSON()
	if err != nil {
		t.Fatal(err)
	}
	var st struct {
		Nodes []struct {
			Record struct {
				ID string `json:"id"`
			} `json:"record"`
		} `json:"nodes"`
		IsEnabled bool `json:"is_enabled"`
	}
	if err := json.Unmarshal([]byte(js), &st); err != nil {
		t.Fatalf("Invalid status JSON %q: %v", js, err)
	}
	if !st.IsEnabled || len(st.Nodes) != 1 || st.Nodes[0].Record.ID != "n1" {
		t.Errorf("Unexpected status %s", js)
	}

	StopNodePool()
	if js, _ := GetStatusJSON(); js != "{}" {
		t.Errorf("Expected empty status after stop, got %s", js)
	}
	if err := RunSweep(); err == nil {
		t.Error("Expected RunSweep to fail when not running")
	}
}

func TestStartNodePool_InvalidInput(t *testing.T) {
	if _, err := StartNodePool(testIni, `{not json`); err == nil {
		t.Error("Expected malformed nodes JSON to be rejected")
	}
	if _, err := StartNodePool(testIni, `[{"id":"x","host":"","port":1,"protocol":"socks5"}]`); err == nil {
		t.Error("Expected an invalid node to be rejected")
	}
	// 失败的启动不应留下运行中的实例
	if js, _ := GetStatusJSON(); js != "{}" {
		t.Errorf("Expected no running instance, got %s", js)
	}
}

type countingProtector struct{ calls atomic.Int32 }

func (p *countingProtector) Protect(fd int) bool {
	p.calls.Add(1)
	return true
}

func TestRunSweep_UsesProtector(t *testing.T) {
	p := &countingProtector{}
	SetSocketProtector(p)
	defer SetSocketProtector(nil)

	nodes := `[{"id":"n1","host":"127.0.0.1","port":1,"protocol":"socks5","enabled":true}]`
	if _, err := StartNodePool(testIni, nodes); err != nil {
		t.Fatal(err)
	}
	defer StopNodePool()

	// 启动时的检查可能仍在进行，此时返回 ErrSweepInProgress
	deadline := time.Now().Add(5 * time.Second)
	for RunSweep() != nil {
		if time.Now().After(deadline) {
			t.Fatal("RunSweep never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if p.calls.Load() == 0 {
		t.Error("Expected sockets to nodes to be protected")
	}
}
