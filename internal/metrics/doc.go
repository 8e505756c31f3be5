// Package metrics defines the relay's Prometheus collectors and the helpers
// used to record session, turn, capture and HTTP activity.
package metrics
