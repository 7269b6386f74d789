// Package sealbox seals message content at rest for encryption-enabled conversations.
//
// Each conversation gets its own XChaCha20-Poly1305 key derived from a master key
// with HKDF-SHA256 (info = conversation id). Sealed values are self-describing text:
//
//	sb1:<base64url(nonce || ciphertext)>
//
// The conversation id is bound as additional data so a sealed value cannot be
// replayed into another conversation.
//
// Environment:
//   - CARELINE_CONTENT_KEY: master key (>= 32 bytes). When unset, sealing is disabled.
package sealbox
