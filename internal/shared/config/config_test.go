package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxynode/internal/shared/types"
	"proxynode/nodepool/model"
)

const sampleIni = `
[local]
socks_port = 1999
web_port = 8089

[log]
level = debug

[nodepool]
state_file = /tmp/states.json
probe_timeout = 3
sweep_interval = 60
socket_mark = 255
`

func TestLoadIniBytes_KeepsDefaults(t *testing.T) {
	cfg := types.NewDefaultConfig()
	if err := LoadIniBytes(cfg, []byte(sampleIni)); err != nil {
		t.Fatalf("LoadIniBytes failed: %v", err)
	}

	if cfg.SocksPort != 1999 || cfg.WebPort != 8089 {
		t.Errorf("Unexpected local section: %+v", cfg.LocalConf)
	}
	if cfg.Level != "debug" {
		t.Errorf("Expected log level debug, got %q", cfg.Level)
	}
	if cfg.ProbeTimeoutDuration() != 3*time.Second || cfg.SweepIntervalDuration() != time.Minute {
		t.Errorf("Unexpected durations: %+v", cfg.NodePoolConf)
	}
	// 未配置的键保留默认值
	if cfg.ConnectTimeoutDuration() != types.DefaultConnectTimeout {
		t.Errorf("Expected default connect timeout, got %v", cfg.ConnectTimeoutDuration())
	}
	if cfg.CheckTarget != types.DefaultCheckTarget || cfg.NodesFile != types.DefaultNodesFile {
		t.Errorf("Expected defaults to survive, got %+v", cfg.NodePoolConf)
	}
}

func TestLoadIni_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxynode.ini")
	if err := os.WriteFile(path, []byte(sampleIni), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROXYNODE_SOCKET_MARK", "4242")

	cfg := types.NewDefaultConfig()
	if err := LoadIni(cfg, path); err != nil {
		t.Fatalf("LoadIni failed: %v", err)
	}
	if cfg.SocketMark != 4242 {
		t.Errorf("Expected env override 4242, got %d", cfg.SocketMark)
	}
}

func TestLoadNodes_MissingFile(t *testing.T) {
	records, assigned, err := LoadNodes(filepath.Join(t.TempDir(), "nodes.json"))
	if err != nil || assigned || len(records) != 0 {
		t.Errorf("Expected empty list, got %v %v %v", records, assigned, err)
	}
}

func TestLoadNodes_AssignsIDsAndRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.json")
	content := `[
  {"id": "fixed", "host": "10.0.0.1", "port": 1080, "protocol": "socks5", "enabled": true},
  {"host": "proxy.example.com", "port": 3128, "protocol": "http", "enabled": false, "remarks": "office"}
]`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	records, assigned, err := LoadNodes(path)
	if err != nil {
		t.Fatalf("LoadNodes failed: %v", err)
	}
	if !assigned {
		t.Error("Expected an ID to be assigned")
	}
	if records[0].ID != "fixed" || records[1].ID == "" {
		t.Fatalf("Unexpected IDs: %q, %q", records[0].ID, records[1].ID)
	}
	if records[1].Protocol != model.ProtocolHTTP || records[1].IsEnabled {
		t.Errorf("Unexpected second record: %+v", records[1])
	}

	if err := SaveNodes(path, records); err != nil {
		t.Fatalf("SaveNodes failed: %v", err)
	}
	again, assigned, err := LoadNodes(path)
	if err != nil || assigned {
		t.Fatalf("Expected stable IDs after save, assigned=%v err=%v", assigned, err)
	}
	if again[1].ID != records[1].ID {
		t.Errorf("ID changed across save: %q vs %q", again[1].ID, records[1].ID)
	}
}

func TestParseNodes_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad protocol": `[{"id":"a","host":"h","port":1,"protocol":"ftp"}]`,
		"bad port":     `[{"id":"a","host":"h","port":0,"protocol":"socks5"}]`,
		"no host":      `[{"id":"a","port":1080,"protocol":"socks4"}]`,
		"not json":     `{`,
	}
	for name, doc := range cases {
		if _, _, err := ParseNodes([]byte(doc)); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}
}
