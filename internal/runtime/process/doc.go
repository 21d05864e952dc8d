// Package process provides a runtime implementation that launches supervised
// commands as local operating system processes.
//
// Full process-group termination is only guaranteed on unix systems, where the
// runtime places the child in its own process group and signals every member
// of that group. On Windows the runtime terminates only the top-level process;
// any grandchildren may remain running and must be cleaned up by the caller.
package process
