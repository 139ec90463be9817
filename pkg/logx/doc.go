// Package logx wraps zerolog behind a small Logger type so call sites stay
// stable while sinks change underneath. Console output is human-readable,
// the optional file sink is JSON, and Service.Apply swaps levels and sinks
// atomically on config reload without invalidating loggers already handed
// out.
package logx
