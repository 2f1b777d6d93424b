// Package rpc implements the pieces of a newline-delimited JSON-RPC session
// with a worker process: framing raw stdout bytes into messages, correlating
// calls with responses, and keeping a bounded log of the exchange.
package rpc
