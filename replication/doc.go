// Package replication synchronizes feeds between two peers over an
// encrypted protocol session.
//
// A Link owns one session and a set of replicas, one per feed, each
// implementing the Replica callbacks. The Link runs a single event
// loop, so replica implementations need no locking. CoreReplica is the
// standard strategy: eager, full, sequential sync of a Core. Each side
// requests the first entry it is missing; the index of a request tells
// the peer how far the requester has gotten, which is how a finished
// side knows the exchange is complete. Received entries are verified
// against the feed's public key before they are stored; entries that
// fail verification are re-requested, and a peer that keeps sending
// garbage is cut off.
//
// A Handle controls a running Link from other goroutines: opening and
// closing feeds, restarting an exchange after local appends, and
// quitting.
package replication
