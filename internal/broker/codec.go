// Package broker implements the chunked object storage core of the file
// broker: the chunk codec, the object metadata repository, share links,
// usage stats and thumbnail derivation.
package broker

import (
	"crypto/sha256"
	"encoding/hex"
)

// SplitChunks splits a payload into fixed-size chunks. The last chunk may
// be shorter; nothing is padded. An empty payload yields no chunks.
func SplitChunks(payload []byte, chunkSize int) [][]byte {
	if len(payload) == 0 || chunkSize <= 0 {
		return nil
	}

	chunks := make([][]byte, 0, ChunkCount(int64(len(payload)), chunkSize))
	for start := 0; start < len(payload); start += chunkSize {
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := make([]byte, end-start)
		copy(chunk, payload[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// AssembleChunks concatenates chunk payloads in order.
func AssembleChunks(chunks [][]byte) []byte {
	var total int
	for _, c := range chunks {
		total += len(c)
	}

	payload := make([]byte, 0, total)
	for _, c := range chunks {
		payload = append(payload, c...)
	}
	return payload
}

// ChunkCount returns the number of chunks a payload of the given size
// splits into: ceil(size / chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Digest computes the SHA-256 hex digest of a full payload. It signals
// integrity only; callers must not treat it as tamper-proof.
func Digest(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}
