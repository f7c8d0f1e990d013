package relay

import "time"

// PayloadType selects the compression profile applied to a payload.
type PayloadType string

const (
	PayloadStructuredData PayloadType = "structured_data"
	PayloadBinary         PayloadType = "binary"
	PayloadProof          PayloadType = "proof"
	PayloadTransaction    PayloadType = "transaction"
)

// PayloadTypes lists every supported type.
var PayloadTypes = []PayloadType{PayloadStructuredData, PayloadBinary, PayloadProof, PayloadTransaction}

// Valid reports whether t is a supported payload type.
func (t PayloadType) Valid() bool {
	for _, known := range PayloadTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Profile bounds.
const (
	MaxDictionarySize   = 64
	MaxCompressionLevel = 10
)

// CompressionParams are the admin-tunable knobs of a payload type.
// DictionarySize is the match window in KiB.
type CompressionParams struct {
	DictionarySize   uint32 `json:"dictionary_size" db:"dictionary_size"`
	MinMatchLength   uint32 `json:"min_match_length" db:"min_match_length"`
	CompressionLevel uint32 `json:"compression_level" db:"compression_level"`
	HuffmanEnabled   bool   `json:"huffman_enabled" db:"huffman_enabled"`
	BlockSize        uint32 `json:"block_size" db:"block_size"`
}

// CompressionProfile is the per-type configuration plus running statistics.
// AverageRatioBps is compressed/original in basis points (10000 = no gain).
type CompressionProfile struct {
	Type PayloadType `json:"type" db:"payload_type"`
	CompressionParams
	SampleCount     uint64    `json:"sample_count" db:"sample_count"`
	AverageRatioBps uint64    `json:"average_ratio_bps" db:"average_ratio_bps"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultProfile returns the starting parameters for a payload type.
func DefaultProfile(t PayloadType) CompressionProfile {
	p := CompressionProfile{Type: t}
	switch t {
	case PayloadStructuredData:
		p.CompressionParams = CompressionParams{DictionarySize: 32, MinMatchLength: 16, CompressionLevel: 6, HuffmanEnabled: true, BlockSize: 65536}
	case PayloadBinary:
		p.CompressionParams = CompressionParams{DictionarySize: 64, MinMatchLength: 32, CompressionLevel: 3, HuffmanEnabled: false, BlockSize: 65536}
	case PayloadProof:
		p.CompressionParams = CompressionParams{DictionarySize: 16, MinMatchLength: 64, CompressionLevel: 9, HuffmanEnabled: true, BlockSize: 32768}
	case PayloadTransaction:
		p.CompressionParams = CompressionParams{DictionarySize: 8, MinMatchLength: 8, CompressionLevel: 4, HuffmanEnabled: true, BlockSize: 16384}
	}
	return p
}

// RecordSample folds one compression ratio into the running integer mean.
func (p *CompressionProfile) RecordSample(ratioBps uint64) {
	p.SampleCount++
	if p.SampleCount == 1 {
		p.AverageRatioBps = ratioBps
		return
	}
	// avg' = avg + (x - avg) / n, kept in integers
	if ratioBps >= p.AverageRatioBps {
		p.AverageRatioBps += (ratioBps - p.AverageRatioBps) / p.SampleCount
	} else {
		p.AverageRatioBps -= (p.AverageRatioBps - ratioBps) / p.SampleCount
	}
}
