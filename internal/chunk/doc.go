// Package chunk splits file content into size-bounded chunks and joins them
// back.
//
// A [Codec] is built from the backend attachment cap and an ordered list of
// [Transform]s. Split applies every transform in order to each chunk before
// it is emitted; Decode and Join apply the inverse transforms in reverse
// order. The cap bounds the sealed size of a chunk, so the plaintext payload
// of a chunk is the cap minus the summed transform overhead.
//
// Two transforms exist: [Compressor] (zstd or lz4, falling back to raw
// storage when compression does not help) and [Sealer]
// (XChaCha20-Poly1305 with a per-file key derived from the process master
// key). Plaintext chunks may carry a BLAKE3 checksum that Decode verifies.
package chunk
