// Package supervisor launches worker processes that speak newline-delimited
// JSON-RPC on stdin/stdout, runs the initialize/initialized handshake, and
// multiplexes calls onto them.
//
// A Supervisor owns at most one Instance per configured name. Instances move
// through initializing, ready, error and stopped; a stopped or failed
// instance is replaced by a fresh one on the next Start. Every pending call
// settles exactly once: by its response, its timeout, or the termination of
// its instance.
package supervisor
