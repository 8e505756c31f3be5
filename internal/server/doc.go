// Package server exposes the relay over HTTP: the /ws endpoint that binds each
// client connection to a relay session, and the monitoring endpoints.
package server
