/*
Package testutil provides shared fixtures for testing feeds and
replication.

It covers the recurring needs of the test suites: random data,
keypairs, cores over in-memory storage (writable, read-only, or
pre-filled), and pairs of replication links joined by net.Pipe with the
handshake already completed.

	c, _ := testutil.NewFilledCore([]byte("a"), []byte("b"))

	a, b, _ := testutil.NewConnectedLinks(ctx)
	go a.Link.Run(ctx)
	go b.Link.Run(ctx)
*/
package testutil
