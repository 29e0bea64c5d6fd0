package otel

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const ServiceName = "busstream"

// Version is set at build time via -ldflags
// e.g., go build -ldflags="-X busstream/pkg/otel.Version=1.2.3"
var Version = "dev"

// serviceInstanceID prefers OTEL_SERVICE_INSTANCE_ID, then the hostname, then the pid.
func serviceInstanceID(env Env) string {
	if id := env.get("OTEL_SERVICE_INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("%s-%d", ServiceName, os.Getpid())
}

// NewResource describes this process to both the tracer and meter providers.
func NewResource() (*resource.Resource, error) {
	env := Env{}
	namespace := env.get("OTEL_SERVICE_NAMESPACE")
	if namespace == "" {
		namespace = ServiceName
	}
	environment := env.get("OTEL_DEPLOYMENT_ENVIRONMENT")
	if environment == "" {
		environment = "production"
	}

	return resource.New(context.Background(),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithProcess(),
		resource.WithAttributes(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(Version),
			semconv.ServiceNamespace(namespace),
			semconv.ServiceInstanceID(serviceInstanceID(env)),
			semconv.DeploymentEnvironment(environment),
			semconv.ProcessRuntimeName("go"),
			semconv.ProcessRuntimeVersion(runtime.Version()),
			semconv.TelemetrySDKLanguageGo,
		),
	)
}
