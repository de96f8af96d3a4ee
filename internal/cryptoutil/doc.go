// Package cryptoutil holds the hashing primitives the service relies on:
// argon2id password hashes in PHC string form, SHA-256 digests, and
// constant-time comparison.
package cryptoutil
