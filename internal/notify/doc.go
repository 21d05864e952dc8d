// Package notify holds optional sinks that forward supervision events to
// external systems. Each sink is a supervisor listener; delivery failures are
// logged and never affect supervision.
package notify
