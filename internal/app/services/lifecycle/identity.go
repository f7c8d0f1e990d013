package lifecycle

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// MessageID derives the deterministic id of a submission:
//
//	keccak256(len(sender) | sender | domainID | keccak256(payload) | nonce)
//
// with the length, domain id and nonce as 8-byte big-endian integers. The
// sender is length-prefixed so no two distinct tuples share a preimage.
// payload is always the uncompressed payload.
func MessageID(sender string, domainID uint64, payload []byte, nonce uint64) string {
	var num [8]byte
	h := sha3.NewLegacyKeccak256()

	binary.BigEndian.PutUint64(num[:], uint64(len(sender)))
	h.Write(num[:])
	h.Write([]byte(sender))
	binary.BigEndian.PutUint64(num[:], domainID)
	h.Write(num[:])
	h.Write(PayloadDigest(payload))
	binary.BigEndian.PutUint64(num[:], nonce)
	h.Write(num[:])

	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest is keccak256(payload).
func PayloadDigest(payload []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	return h.Sum(nil)
}
