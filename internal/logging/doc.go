// Package logging builds warden's structured logger on log/slog and provides
// a supervision listener that reports lifecycle events through it.
package logging
