// Package core implements the merkle-backed append log.
//
// A Core is an append-only sequence of byte entries owned by one
// Ed25519 keypair. Appends extend a flat in-order merkle tree (package
// flattree supplies the index math, package crypto the hashing) and
// sign both the entry's leaf hash and the hash of the resulting root
// set. That split keeps the layers independently testable: Merkle is
// pure tree bookkeeping with no I/O or signatures, Core composes it
// with storage and signing.
//
// Verification comes in two shapes. AppendVerified accepts the next
// entry of a feed from an untrusted peer, checking its signatures
// against the tree the append would produce. Proof/VerifyProof check a
// single existing entry in isolation: the proof carries the sibling
// hashes needed to recompute a signed root set from one leaf.
//
// Entries persist through the storage.Storage port: slot 0 holds the
// serialized root set, slot i+1 holds entry i plus its Block footer.
package core
