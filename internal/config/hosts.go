package config

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
)

// FallbackBridgeIP is the usual Docker bridge gateway on Linux.
const FallbackBridgeIP = "172.17.0.1"

// HostRewriter points loopback Ollama URLs at the container host when the
// process runs inside a container. Every probe is injectable for tests.
type HostRewriter struct {
	Getenv      func(string) string
	InContainer func() bool
	Resolves    func(host string) bool
	Routes      func() (io.ReadCloser, error)
	Logger      *slog.Logger
}

// NewHostRewriter returns a rewriter probing the real environment.
func NewHostRewriter(logger *slog.Logger) *HostRewriter {
	return &HostRewriter{
		Getenv: os.Getenv,
		InContainer: func() bool {
			_, err := os.Stat("/.dockerenv")
			return err == nil
		},
		Resolves: func(host string) bool {
			addrs, err := net.LookupHost(host)
			return err == nil && len(addrs) > 0
		},
		Routes: func() (io.ReadCloser, error) { return os.Open("/proc/net/route") },
		Logger: logger,
	}
}

// Rewrite adjusts the ollama sections of c in place.
func (r *HostRewriter) Rewrite(c *Config) {
	r.rewrite("llm", &c.LLM)
	r.rewrite("embedder", &c.Embedder)
}

func (r *HostRewriter) rewrite(section string, p *Provider) {
	if p.Provider != ProviderOllama {
		return
	}
	if p.Config.BaseURL == "" {
		p.Config.BaseURL = DefaultOllamaURL
	}

	u, err := url.Parse(p.Config.BaseURL)
	if err != nil || !isLoopback(u.Hostname()) {
		return
	}

	host := r.hostAddress()
	if host == "" {
		return
	}
	from := p.Config.BaseURL
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	p.Config.BaseURL = u.String()
	r.logger().Info("adjusted ollama url", "section", section, "from", from, "to", p.Config.BaseURL)
}

// hostAddress picks the host reachable from inside the container, or ""
// when no rewrite applies.
func (r *HostRewriter) hostAddress() string {
	if custom := r.Getenv("OLLAMA_HOST"); custom != "" {
		return hostOnly(custom)
	}
	if r.InContainer == nil || !r.InContainer() {
		return ""
	}

	if r.Resolves != nil && r.Resolves("host.docker.internal") {
		return "host.docker.internal"
	}
	if r.Routes != nil {
		if rc, err := r.Routes(); err == nil {
			gw, err := DefaultGateway(rc)
			rc.Close()
			if err == nil {
				return gw
			}
			r.logger().Debug("no default gateway", "error", err)
		}
	}
	return FallbackBridgeIP
}

func (r *HostRewriter) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// DefaultGateway parses a /proc/net/route table and returns the gateway
// of the default route.
func DefaultGateway(routes io.Reader) (string, error) {
	sc := bufio.NewScanner(routes)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		b, err := hex.DecodeString(fields[2])
		if err != nil || len(b) != 4 {
			return "", fmt.Errorf("bad gateway field %q", fields[2])
		}
		// little-endian in the kernel table
		return net.IPv4(b[3], b[2], b[1], b[0]).String(), nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no default route")
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// hostOnly strips scheme and port from an OLLAMA_HOST style value.
func hostOnly(v string) string {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "http://"), "https://")
	v = strings.TrimSuffix(v, "/")
	if h, _, err := net.SplitHostPort(v); err == nil {
		return h
	}
	return v
}
