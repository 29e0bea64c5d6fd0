package otel

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol represents OTLP transport protocol
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

// SignalType represents the OTEL signal type
type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

const defaultExportTimeout = 10 * time.Second

// ExporterConfig holds parsed OTLP exporter configuration for a signal
type ExporterConfig struct {
	Endpoint    string
	Protocol    Protocol
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Compression string
}

// Env resolves OTEL_* variables. The zero value reads the process environment.
type Env struct {
	Lookup func(key string) string
}

func (e Env) get(keys ...string) string {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.Getenv
	}
	for _, key := range keys {
		if value := lookup(key); value != "" {
			return value
		}
	}
	return ""
}

// TracingEnabled reports OTEL_TRACING_ENABLED
func (e Env) TracingEnabled() bool {
	return isTrue(e.get("OTEL_TRACING_ENABLED"))
}

// MetricsEnabled reports OTEL_METRICS_ENABLED
func (e Env) MetricsEnabled() bool {
	return isTrue(e.get("OTEL_METRICS_ENABLED"))
}

// Exporter resolves the exporter configuration for one signal. Signal-specific
// variables (OTEL_EXPORTER_OTLP_TRACES_*) win over the shared ones.
func (e Env) Exporter(signal SignalType) ExporterConfig {
	signalKey := "OTEL_EXPORTER_OTLP_" + strings.ToUpper(string(signal)) + "_"
	setting := func(name string) string {
		return e.get(signalKey+name, "OTEL_EXPORTER_OTLP_"+name)
	}

	cfg := ExporterConfig{
		Protocol:    parseProtocol(setting("PROTOCOL")),
		Headers:     parseHeaders(setting("HEADERS")),
		Timeout:     parseDuration(setting("TIMEOUT"), defaultExportTimeout),
		Compression: setting("COMPRESSION"),
	}

	if endpoint := e.get(signalKey + "ENDPOINT"); endpoint != "" {
		cfg.Endpoint = resolveEndpoint(endpoint, signal, cfg.Protocol, false)
	} else if endpoint := e.get("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = resolveEndpoint(endpoint, signal, cfg.Protocol, true)
	} else if cfg.Protocol == ProtocolGRPC {
		cfg.Endpoint = "localhost:4317"
	} else {
		cfg.Endpoint = "http://localhost:4318" + signalPath(signal)
	}

	cfg.Insecure = strings.HasPrefix(cfg.Endpoint, "http://")
	if insecure := setting("INSECURE"); insecure != "" {
		cfg.Insecure = isTrue(insecure)
	}
	return cfg
}

// IsTracingEnabled returns true if OTEL tracing is enabled
func IsTracingEnabled() bool {
	return Env{}.TracingEnabled()
}

// IsMetricsEnabled returns true if OTEL metrics is enabled
func IsMetricsEnabled() bool {
	return Env{}.MetricsEnabled()
}

// GetExporterConfig returns the exporter configuration for a signal from the process environment.
func GetExporterConfig(signal SignalType) ExporterConfig {
	return Env{}.Exporter(signal)
}

func parseProtocol(s string) Protocol {
	switch strings.ToLower(s) {
	case "grpc":
		return ProtocolGRPC
	case "http/json":
		return ProtocolHTTPJSON
	default:
		return ProtocolHTTPProtobuf
	}
}

func signalPath(signal SignalType) string {
	return "/v1/" + string(signal)
}

// resolveEndpoint reduces grpc endpoints to host:port. HTTP endpoints get a
// scheme and, when they came from the shared variable, the signal path.
func resolveEndpoint(endpoint string, signal SignalType, protocol Protocol, shared bool) string {
	if protocol == ProtocolGRPC {
		if _, rest, ok := strings.Cut(endpoint, "://"); ok {
			endpoint = rest
		}
		host, _, _ := strings.Cut(endpoint, "/")
		return host
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	if !shared {
		return endpoint
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimRight(endpoint, "/") + signalPath(signal)
	}
	if !strings.HasSuffix(u.Path, signalPath(signal)) {
		u.Path = strings.TrimRight(u.Path, "/") + signalPath(signal)
	}
	return u.String()
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true
	}
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

// parseHeaders parses "key1=value1,key2=value2". Values keep everything after
// the first '=', so base64 credentials survive intact.
func parseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = value
		slog.Debug("Parsed OTEL header", "key", key, "value_length", len(value))
	}
	return headers
}

// parseDuration accepts Go durations ("10s") and OTEL millisecond integers ("10000").
func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
