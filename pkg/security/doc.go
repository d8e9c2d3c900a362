/*
Package security implements the Coordinator's request authentication
protocol and encrypted-at-rest credential store.

# HMAC request signing

Every non-public inbound request carries a client ID, a Unix timestamp and
a signature. Signer computes and verifies:

	HMAC_SHA256(key, "METHOD|PATH|TIMESTAMP|HEX(SHA256(BODY))")

base64-encoded, compared in constant time, rejected outside a 30-second
timestamp skew window.

# Encrypted credential store

An Identity's stored HMAC key may be encrypted under one of several keys
held in a KeyRing (key_id -> algorithm:secret). CredentialStore wraps
AES-256-GCM encrypt/decrypt keyed per key_id, and supports migration
decryption (trying every known key when an identity's key_id hint is
empty) and batch rotation to a new default key.

# CIDR and trusted-proxy resolution

ParseCIDRSet/Contains implement the allowed_cidrs membership check; SourceIP
resolves a request's effective source IP, honoring X-Forwarded-For only
when the immediate peer is a configured trusted proxy.
*/
package security
