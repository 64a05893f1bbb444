// Package server hosts the Fiber HTTP service, the request middleware chain,
// and the site route glue that binds the configured Host to the proxy handler.
// It also owns the shared upstream http.Client so every origin request reuses
// one transport. Keep exports narrow and accept explicit dependencies.
package server
