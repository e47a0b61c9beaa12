// Package crypto provides the cryptographic primitives of replog:
// Ed25519 feed keypairs and signatures, BLAKE3 tree hashing with
// domain-separated leaf/parent/root prefixes, one-way discovery-key
// derivation, and session-bound channel capabilities.
//
// The hash functions here are pure; signing and verification never
// touch storage or the network. Higher layers compose them: the core
// package signs root hashes produced by RootHash, and the protocol
// package exchanges capabilities produced by Capability during channel
// opens.
package crypto
