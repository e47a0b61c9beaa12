// Package cmd provides CLI commands for working with replicated feeds.
//
// # Commands
//
// replog: Runs a feed replication peer. A peer owns one feed and
// synchronizes it with remote peers over TCP; the same command covers
// the writable owner and read-only replicas.
//
//	go run ./cmd/replog -dir /tmp/feed -append "hello"
//	go run ./cmd/replog -dir /tmp/feed -key <hex> -listen :9000
//	go run ./cmd/replog -dir /tmp/copy -public <hex> -connect localhost:9000
//
// # Monitoring
//
// With -status-addr set, a peer exposes GET /status (feed length, byte
// length, active session count) and GET /health over HTTP.
package cmd
