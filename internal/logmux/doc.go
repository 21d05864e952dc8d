// Package logmux captures the output of the supervised process as lines and
// delivers them through a bounded channel that never blocks the child.
package logmux
