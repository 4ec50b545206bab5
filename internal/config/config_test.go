package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_limit = "5MB"
proxy_protocol = true

[upstream]
base_url = "https://backend.internal:8443/prefix"
timeout_seconds = 60
idle_connections = 50
rewrite_host = true

[upstream.tls]
min_version = "1.2"

[log]
level = "debug"
format = "text"

[admin]
enabled = true
port = 9191
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if got := cfg.Server.BodyLimitBytes(); got != 5*1000*1000 {
		t.Errorf("Server.BodyLimitBytes() = %d, want %d", got, 5*1000*1000)
	}
	if !cfg.Server.ProxyProtocol {
		t.Error("Server.ProxyProtocol = false, want true")
	}
	if cfg.Upstream.BaseURL != "https://backend.internal:8443/prefix" {
		t.Errorf("Upstream.BaseURL = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if !cfg.Upstream.RewriteHost {
		t.Error("Upstream.RewriteHost = false, want true")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if !cfg.Admin.Enabled || cfg.Admin.Port != 9191 {
		t.Errorf("Admin = %+v, want enabled on port 9191", cfg.Admin)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	old := configSearchPaths
	configSearchPaths = []string{filepath.Join(t.TempDir(), "missing.toml")}
	t.Cleanup(func() { configSearchPaths = old })

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Upstream.BaseURL != defaultBaseEndpoint {
		t.Errorf("default Upstream.BaseURL = %q, want %q", cfg.Upstream.BaseURL, defaultBaseEndpoint)
	}
	if got := cfg.Server.Addr(); got != "0.0.0.0:3000" {
		t.Errorf("default Server.Addr() = %q, want %q", got, "0.0.0.0:3000")
	}
	if cfg.Server.BodyLimitBytes() != 0 {
		t.Errorf("default BodyLimitBytes() = %d, want 0 (unlimited)", cfg.Server.BodyLimitBytes())
	}
	if cfg.Upstream.TimeoutSeconds != 0 {
		t.Errorf("default Upstream.TimeoutSeconds = %d, want 0", cfg.Upstream.TimeoutSeconds)
	}
	if cfg.Upstream.IdleConnections != 100 {
		t.Errorf("default Upstream.IdleConnections = %d, want 100", cfg.Upstream.IdleConnections)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Admin.Enabled {
		t.Error("default Admin.Enabled = true, want false")
	}
	if got := cfg.Admin.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("default Admin.Addr() = %q, want %q", got, "127.0.0.1:9090")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, "[server\nport = ")

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected parse error, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error = %q, want mention of parse", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
base_url = "http://toml.internal"

[log]
level = "info"
`)

	cli := &CLI{
		Config:       path,
		BaseEndpoint: "https://cli.internal",
		Host:         "127.0.0.1",
		Port:         3001,
		LogLevel:     "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Upstream.BaseURL != "https://cli.internal" {
		t.Errorf("Upstream.BaseURL = %q, want %q (CLI override)", cfg.Upstream.BaseURL, "https://cli.internal")
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3001)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_BaseURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		wantErr bool
	}{
		{"plain http", "http://127.0.0.1:8080", false},
		{"https", "https://backend.internal", false},
		{"with path prefix", "http://backend.internal/v1", false},
		{"trailing slash", "http://backend.internal/", false},
		{"unsupported scheme", "ftp://backend.internal", true},
		{"relative", "/just/a/path", true},
		{"no host", "http://", true},
		{"query", "http://backend.internal/?a=b", true},
		{"fragment", "http://backend.internal/#frag", true},
		{"unparseable", "http://[::1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(&CLI{Config: writeConfig(t, ""), BaseEndpoint: tt.base})
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_NegativePort(t *testing.T) {
	path := writeConfig(t, `
[server]
port = -1
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative port, got nil")
	}
}

func TestLoad_NegativeTimeout(t *testing.T) {
	path := writeConfig(t, `
[upstream]
timeout_seconds = -5
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for negative timeout, got nil")
	}
	if !strings.Contains(err.Error(), "upstream.timeout_seconds") {
		t.Errorf("error = %q, want mention of upstream.timeout_seconds", err)
	}
}

func TestLoad_BodyLimit(t *testing.T) {
	tests := []struct {
		limit   string
		want    uint64
		wantErr bool
	}{
		{"10MB", 10 * 1000 * 1000, false},
		{"1MiB", 1 << 20, false},
		{"512", 512, false},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.limit, func(t *testing.T) {
			path := writeConfig(t, "[server]\nbody_limit = \""+tt.limit+"\"\n")
			cfg, err := Load(cliWithPath(path))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got := cfg.Server.BodyLimitBytes(); got != tt.want {
				t.Errorf("BodyLimitBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 70000

[upstream]
base_url = "ftp://backend.internal"

[log]
format = "xml"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error, got nil")
	}
	for _, want := range []string{"server.port", "upstream.base_url", "log.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want mention of %s", err, want)
		}
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestLoad_TLS(t *testing.T) {
	path := writeConfig(t, `
[upstream.tls]
min_version = "0.9"
ca_file = "/nonexistent/ca.pem"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error, got nil")
	}
	for _, want := range []string{"min_version", "ca_file"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want mention of %s", err, want)
		}
	}
}

func TestLoad_AdminConflictsWithProxy(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9090

[admin]
enabled = true
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for admin/proxy address clash, got nil")
	}
	if !strings.Contains(err.Error(), "conflicts") {
		t.Errorf("error = %q, want mention of conflict", err)
	}
}

func TestTLSConfig_Version(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"", 0},
		{"1.2", 0x0303},
		{"1.3", 0x0304},
	}
	for _, tt := range tests {
		c := TLSConfig{MinVersion: tt.in}
		got, err := c.Version()
		if err != nil {
			t.Fatalf("Version(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Version(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	(&Config{}).WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	if got := findConfigInPaths([]string{"/nonexistent/a.toml", path1, path2}); got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
	if got := findConfigInPaths([]string{"/nonexistent/a.toml"}); got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "127.0.0.1:3000"},
		{"::1", "[::1]:3000"},
		{"", ":3000"},
	}
	for _, tt := range tests {
		sc := &ServerConfig{Host: tt.host, Port: 3000}
		if got := sc.Addr(); got != tt.want {
			t.Errorf("Addr() with host %q = %q, want %q", tt.host, got, tt.want)
		}
	}
}
