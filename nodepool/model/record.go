package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol 是上游代理使用的协议。
type Protocol int

const (
	ProtocolSocks4 Protocol = iota + 1
	ProtocolSocks5
	ProtocolHTTP
	ProtocolHTTPS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolSocks4:
		return "socks4"
	case ProtocolSocks5:
		return "socks5"
	case ProtocolHTTP:
		return "http"
	case ProtocolHTTPS:
		return "https"
	default:
		return "unknown"
	}
}

// ParseProtocol accepts the canonical names plus a few common aliases.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "socks4", "socks4a":
		return ProtocolSocks4, nil
	case "socks5", "socks5h", "socks":
		return ProtocolSocks5, nil
	case "http", "http-proxy":
		return ProtocolHTTP, nil
	case "https", "https-proxy":
		return ProtocolHTTPS, nil
	default:
		return 0, fmt.Errorf("unknown proxy protocol: '%s'", s)
	}
}

func (p Protocol) MarshalJSON() ([]byte, error) {
	if p.String() == "unknown" {
		return nil, fmt.Errorf("cannot marshal proxy protocol %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Protocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("proxy protocol must be a string: %w", err)
	}
	parsed, err := ParseProtocol(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// NodeRecord 描述一个上游代理节点的配置。
// 它来自 nodes.json，配置变更时整体替换，从不原地修改。
type NodeRecord struct {
	ID        string   `json:"id"` // 唯一ID (UUID)，用于跨重启匹配持久化的健康状态
	Remarks   string   `json:"remarks,omitempty"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Protocol  Protocol `json:"protocol"`
	IsEnabled bool     `json:"enabled"` // 用户开关，与计算得到的健康状态无关

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	TLSInsecure bool `json:"tls_insecure,omitempty"` // 仅 https 节点：跳过代理证书校验
}

// Address returns the proxy endpoint as host:port.
func (r NodeRecord) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ErrInvalidRecord is wrapped by every node record validation error.
var ErrInvalidRecord = errors.New("invalid node record")

// Validate checks the fields every proxy client relies on.
func (r NodeRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: node id cannot be empty", ErrInvalidRecord)
	}
	if r.Host == "" {
		return fmt.Errorf("%w: node %s: host cannot be empty", ErrInvalidRecord, r.ID)
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("%w: node %s: invalid port %d", ErrInvalidRecord, r.ID, r.Port)
	}
	if r.Protocol.String() == "unknown" {
		return fmt.Errorf("%w: node %s: invalid protocol", ErrInvalidRecord, r.ID)
	}
	return nil
}

func (r NodeRecord) String() string {
	if r.Remarks != "" {
		return fmt.Sprintf("%s (%s://%s)", r.Remarks, r.Protocol, r.Address())
	}
	return fmt.Sprintf("%s://%s", r.Protocol, r.Address())
}
