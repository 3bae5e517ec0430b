package realtime

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseOptions(t *testing.T) {
	data := `
key = "app.key:secret"
rest_host = "rest.example.com"
fallback_hosts = ["a.example.com", "b.example.com"]
transports = ["comet"]
use_binary_protocol = true
auto_connect = false
connection_state_ttl = "45s"
web_socket_slow_timeout = "2s"

[transport_params]
remainPresentFor = "5000"
`
	opts, err := ParseOptions(data)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}

	if _, ok := opts.Credentials.(*KeyAuth); !ok {
		t.Fatalf("Credentials: got %T, want *KeyAuth", opts.Credentials)
	}
	if opts.RestHost != "rest.example.com" {
		t.Fatalf("RestHost: got %q", opts.RestHost)
	}
	if opts.RealtimeHost != defaultRealtimeHost {
		t.Fatalf("RealtimeHost default lost: got %q", opts.RealtimeHost)
	}
	if len(opts.FallbackHosts) != 2 {
		t.Fatalf("FallbackHosts: got %v", opts.FallbackHosts)
	}
	if len(opts.Transports) != 1 || opts.Transports[0] != TransportPolling {
		t.Fatalf("Transports: got %v", opts.Transports)
	}
	if !opts.UseBinaryProtocol || opts.AutoConnect {
		t.Fatalf("flags: binary %t autoConnect %t", opts.UseBinaryProtocol, opts.AutoConnect)
	}
	if opts.ConnectionStateTTL != 45*time.Second || opts.WebSocketSlowTimeout != 2*time.Second {
		t.Fatalf("durations: ttl %v slow %v", opts.ConnectionStateTTL, opts.WebSocketSlowTimeout)
	}
	if opts.DisconnectedRetryTimeout != defaultDisconnectedRetryTimeout {
		t.Fatalf("unset duration changed: %v", opts.DisconnectedRetryTimeout)
	}
	if opts.TransportParams["remainPresentFor"] != "5000" {
		t.Fatalf("TransportParams: got %v", opts.TransportParams)
	}
	if err := opts.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "bad toml", data: `rest_host = `},
		{name: "bad duration", data: `connection_state_ttl = "soon"`},
		{name: "bad key", data: `key = "nosecret"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseOptions(tt.data); err == nil {
				t.Fatalf("ParseOptions(%q) succeeded", tt.data)
			}
		})
	}
}

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "realtime.toml")
	if err := os.WriteFile(path, []byte("client_id = \"alice\"\nport = 8080\ntls = false\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("LoadOptions: %v", err)
	}
	if opts.ClientID != "alice" || opts.Port != 8080 || opts.TLS {
		t.Fatalf("got clientId %q port %d tls %t", opts.ClientID, opts.Port, opts.TLS)
	}

	if _, err := LoadOptions(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("missing file loaded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(o *Options)
		code   int
	}{
		{name: "wildcard client id", modify: func(o *Options) { o.ClientID = "*" }, code: codeInvalidClientID},
		{name: "bad host", modify: func(o *Options) { o.RestHost = "http://rest" }, code: codeBadRequest},
		{name: "empty fallback", modify: func(o *Options) { o.FallbackHosts = []string{""} }, code: codeBadRequest},
		{name: "bad port", modify: func(o *Options) { o.Port = 70000 }, code: codeBadRequest},
		{name: "no transports", modify: func(o *Options) { o.Transports = nil }, code: codeBadRequest},
		{name: "unknown transport", modify: func(o *Options) { o.Transports = []TransportKind{"xhr"} }, code: codeBadRequest},
		{name: "bad recovery token", modify: func(o *Options) { o.Recover = "%%%" }, code: codeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			err := opts.Validate()
			info, ok := err.(*ErrorInfo)
			if !ok || info.Code != tt.code {
				t.Fatalf("Validate: got %v, want code %d", err, tt.code)
			}
		})
	}
}

func TestNewConnectionManagerRejectsInvalidOptions(t *testing.T) {
	opts := DefaultOptions()
	opts.ClientID = "*"
	if _, err := NewConnectionManager(opts); err == nil {
		t.Fatalf("NewConnectionManager accepted a wildcard client id")
	}
}

func TestNewConnectionManagerDefaults(t *testing.T) {
	opts := DefaultOptions()
	opts.AutoConnect = false
	m, err := NewConnectionManager(opts)
	if err != nil {
		t.Fatalf("NewConnectionManager: %v", err)
	}
	t.Cleanup(m.Close)

	if m.State() != StateInitialized {
		t.Fatalf("state: got %s", m.State())
	}
	if m.PreferredHost() != defaultRestHost {
		t.Fatalf("PreferredHost: got %q", m.PreferredHost())
	}
	if m.opts.Dialer == nil || m.opts.Dialer.HandshakeTimeout != defaultWebSocketConnectTimeout {
		t.Fatalf("dialer not defaulted")
	}
}
