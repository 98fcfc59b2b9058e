package telemetry

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WrapHandler instruments an inbound handler. Probe and scrape endpoints are
// excluded so traces show only the delegation traffic.
func WrapHandler(handler http.Handler, serverName string) http.Handler {
	return otelhttp.NewHandler(handler, serverName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/health", "/ready", "/metrics":
				return false
			}
			return true
		}),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// WrapTransport instruments an outbound round tripper so the exchange,
// secrets-backend and next-hop calls carry trace context. Compose it over
// the correlation transport: trace headers and the correlation header then
// travel together.
func WrapTransport(transport http.RoundTripper) http.RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return otelhttp.NewTransport(transport)
}
