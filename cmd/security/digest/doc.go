// Package digest provides the hashing primitives careline uses for context fingerprints.
//
// Output is stable lowercase hex so digests can be stored and compared as text.
package digest
