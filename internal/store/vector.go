package store

import (
	"encoding/binary"
	"math"
)

// encodeVector packs a float32 slice into a little-endian byte blob for
// storage in the embeddings table. A fixed binary layout keeps the brute-
// force scan in search.go allocation-light compared to decoding JSON per
// row.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte, dim int) []float32 {
	v := make([]float32, dim)
	for i := 0; i < dim && (i+1)*4 <= len(buf); i++ {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
