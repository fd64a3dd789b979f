package opentelemetry

const InstrumentationName = "github.com/plgd-dev/coap-twin-adapter/pkg/opentelemetry"

// Version is the current release version of the adapter instrumentation.
func Version() string {
	return "0.1.0"
}

// SemVersion is the semantic version to be supplied to tracer creation.
func SemVersion() string {
	return "semver:" + Version()
}
