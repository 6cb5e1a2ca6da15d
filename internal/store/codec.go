package store

import "encoding/binary"

func be32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

func be32Bytes(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}
