package realtime

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a ConnectionManager. Start from DefaultOptions.
type Options struct {
	RealtimeHost  string
	RestHost      string
	FallbackHosts []string
	Port          int
	TLS           bool

	ClientID     string
	EchoMessages bool
	// UseBinaryProtocol selects CBOR frames instead of JSON.
	UseBinaryProtocol bool
	// Transports lists the transport families in preference order.
	Transports []TransportKind
	// Recover is a token returned by CreateRecoveryToken on a previous connection.
	Recover         string
	AutoConnect     bool
	TransportParams map[string]string

	MaxMessageSize       int
	HTTPMaxRetryCount    int
	HTTPMaxRetryDuration time.Duration
	HTTPRequestTimeout   time.Duration
	FallbackRetryTimeout time.Duration

	ConnectionStateTTL       time.Duration
	DisconnectedRetryTimeout time.Duration
	SuspendedRetryTimeout    time.Duration
	RealtimeRequestTimeout   time.Duration
	WebSocketConnectTimeout  time.Duration
	WebSocketSlowTimeout     time.Duration

	ConnectivityCheckURL   string
	WSConnectivityCheckURL string

	Credentials       CredentialsProvider
	Channels          ChannelHandler
	Logger            Logger
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	MetricsRegisterer prometheus.Registerer
	TracerProvider    trace.TracerProvider
}

// DefaultOptions returns options pointing at the production endpoints.
func DefaultOptions() Options {
	return Options{
		RealtimeHost:             defaultRealtimeHost,
		RestHost:                 defaultRestHost,
		FallbackHosts:            append([]string(nil), defaultFallbackHosts...),
		TLS:                      true,
		EchoMessages:             true,
		Transports:               []TransportKind{TransportWebSocket, TransportPolling},
		AutoConnect:              true,
		MaxMessageSize:           defaultMaxMessageSize,
		HTTPMaxRetryCount:        defaultHTTPMaxRetryCount,
		HTTPMaxRetryDuration:     defaultHTTPMaxRetryDuration,
		HTTPRequestTimeout:       defaultHTTPRequestTimeout,
		FallbackRetryTimeout:     defaultFallbackRetryTimeout,
		ConnectionStateTTL:       defaultConnectionStateTTL,
		DisconnectedRetryTimeout: defaultDisconnectedRetryTimeout,
		SuspendedRetryTimeout:    defaultSuspendedRetryTimeout,
		RealtimeRequestTimeout:   defaultRealtimeRequestTimeout,
		WebSocketConnectTimeout:  defaultWebSocketConnectTimeout,
		WebSocketSlowTimeout:     defaultWebSocketSlowTimeout,
		ConnectivityCheckURL:     defaultConnectivityCheckURL,
		WSConnectivityCheckURL:   defaultWSConnectivityCheckURL,
	}
}

// Validate reports option errors that must be surfaced to the caller
// rather than retried.
func (o *Options) Validate() error {
	if o.ClientID == "*" {
		return newError(codeInvalidClientID, http.StatusBadRequest, "Can't use \"*\" as a clientId as that string is reserved")
	}
	for _, host := range append([]string{o.RealtimeHost, o.RestHost}, o.FallbackHosts...) {
		if !validHost(host) {
			return newErrorf(codeBadRequest, http.StatusBadRequest, "Invalid host %q", host)
		}
	}
	if o.Port < 0 || o.Port > 65535 {
		return newErrorf(codeBadRequest, http.StatusBadRequest, "Invalid port %d", o.Port)
	}
	for _, kind := range o.Transports {
		if kind != TransportWebSocket && kind != TransportPolling {
			return newErrorf(codeBadRequest, http.StatusBadRequest, "Unknown transport %q", kind)
		}
	}
	if len(o.Transports) == 0 {
		return newError(codeBadRequest, http.StatusBadRequest, "No transports configured")
	}
	if o.Recover != "" {
		if _, err := DecodeRecoveryToken(o.Recover); err != nil {
			return err
		}
	}
	return nil
}

func validHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	return !strings.ContainsAny(host, "/:?#@ \t\n")
}

func (o *Options) scheme(ws bool) string {
	switch {
	case ws && o.TLS:
		return "wss"
	case ws:
		return "ws"
	case o.TLS:
		return "https"
	default:
		return "http"
	}
}

func (o *Options) hostPort(host string) string {
	if o.Port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, o.Port)
}

func (o *Options) hasTransport(kind TransportKind) bool {
	for _, k := range o.Transports {
		if k == kind {
			return true
		}
	}
	return false
}

type fileOptions struct {
	Key                      string            `toml:"key"`
	RealtimeHost             string            `toml:"realtime_host"`
	RestHost                 string            `toml:"rest_host"`
	FallbackHosts            []string          `toml:"fallback_hosts"`
	Port                     int               `toml:"port"`
	TLS                      bool              `toml:"tls"`
	ClientID                 string            `toml:"client_id"`
	EchoMessages             bool              `toml:"echo_messages"`
	UseBinaryProtocol        bool              `toml:"use_binary_protocol"`
	Transports               []string          `toml:"transports"`
	Recover                  string            `toml:"recover"`
	AutoConnect              bool              `toml:"auto_connect"`
	TransportParams          map[string]string `toml:"transport_params"`
	MaxMessageSize           int               `toml:"max_message_size"`
	HTTPMaxRetryCount        int               `toml:"http_max_retry_count"`
	HTTPMaxRetryDuration     string            `toml:"http_max_retry_duration"`
	HTTPRequestTimeout       string            `toml:"http_request_timeout"`
	FallbackRetryTimeout     string            `toml:"fallback_retry_timeout"`
	ConnectionStateTTL       string            `toml:"connection_state_ttl"`
	DisconnectedRetryTimeout string            `toml:"disconnected_retry_timeout"`
	SuspendedRetryTimeout    string            `toml:"suspended_retry_timeout"`
	RealtimeRequestTimeout   string            `toml:"realtime_request_timeout"`
	WebSocketConnectTimeout  string            `toml:"web_socket_connect_timeout"`
	WebSocketSlowTimeout     string            `toml:"web_socket_slow_timeout"`
	ConnectivityCheckURL     string            `toml:"connectivity_check_url"`
	WSConnectivityCheckURL   string            `toml:"ws_connectivity_check_url"`
}

// LoadOptions reads a TOML file on top of DefaultOptions.
func LoadOptions(path string) (Options, error) {
	var raw fileOptions
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Options{}, fmt.Errorf("load realtime options: %w", err)
	}
	return applyFileOptions(raw, meta)
}

// ParseOptions decodes TOML data on top of DefaultOptions.
func ParseOptions(data string) (Options, error) {
	var raw fileOptions
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Options{}, fmt.Errorf("parse realtime options: %w", err)
	}
	return applyFileOptions(raw, meta)
}

func applyFileOptions(raw fileOptions, meta toml.MetaData) (Options, error) {
	o := DefaultOptions()

	if meta.IsDefined("key") {
		auth, err := NewKeyAuth(strings.TrimSpace(raw.Key))
		if err != nil {
			return Options{}, err
		}
		o.Credentials = auth
	}
	if meta.IsDefined("realtime_host") {
		o.RealtimeHost = strings.TrimSpace(raw.RealtimeHost)
	}
	if meta.IsDefined("rest_host") {
		o.RestHost = strings.TrimSpace(raw.RestHost)
	}
	if meta.IsDefined("fallback_hosts") {
		o.FallbackHosts = raw.FallbackHosts
	}
	if meta.IsDefined("port") {
		o.Port = raw.Port
	}
	if meta.IsDefined("tls") {
		o.TLS = raw.TLS
	}
	if meta.IsDefined("client_id") {
		o.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("echo_messages") {
		o.EchoMessages = raw.EchoMessages
	}
	if meta.IsDefined("use_binary_protocol") {
		o.UseBinaryProtocol = raw.UseBinaryProtocol
	}
	if meta.IsDefined("transports") {
		o.Transports = o.Transports[:0]
		for _, t := range raw.Transports {
			o.Transports = append(o.Transports, TransportKind(strings.TrimSpace(t)))
		}
	}
	if meta.IsDefined("recover") {
		o.Recover = strings.TrimSpace(raw.Recover)
	}
	if meta.IsDefined("auto_connect") {
		o.AutoConnect = raw.AutoConnect
	}
	if meta.IsDefined("transport_params") {
		o.TransportParams = raw.TransportParams
	}
	if meta.IsDefined("max_message_size") {
		o.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("http_max_retry_count") {
		o.HTTPMaxRetryCount = raw.HTTPMaxRetryCount
	}
	if meta.IsDefined("connectivity_check_url") {
		o.ConnectivityCheckURL = strings.TrimSpace(raw.ConnectivityCheckURL)
	}
	if meta.IsDefined("ws_connectivity_check_url") {
		o.WSConnectivityCheckURL = strings.TrimSpace(raw.WSConnectivityCheckURL)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"http_max_retry_duration", raw.HTTPMaxRetryDuration, &o.HTTPMaxRetryDuration},
		{"http_request_timeout", raw.HTTPRequestTimeout, &o.HTTPRequestTimeout},
		{"fallback_retry_timeout", raw.FallbackRetryTimeout, &o.FallbackRetryTimeout},
		{"connection_state_ttl", raw.ConnectionStateTTL, &o.ConnectionStateTTL},
		{"disconnected_retry_timeout", raw.DisconnectedRetryTimeout, &o.DisconnectedRetryTimeout},
		{"suspended_retry_timeout", raw.SuspendedRetryTimeout, &o.SuspendedRetryTimeout},
		{"realtime_request_timeout", raw.RealtimeRequestTimeout, &o.RealtimeRequestTimeout},
		{"web_socket_connect_timeout", raw.WebSocketConnectTimeout, &o.WebSocketConnectTimeout},
		{"web_socket_slow_timeout", raw.WebSocketSlowTimeout, &o.WebSocketSlowTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Options{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return o, nil
}
