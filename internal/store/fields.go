package store

import "encoding/binary"

// PutUint32/GetUint32/PutUint64/GetUint64/PutInt32/GetInt32 give the rest of
// the daemon fixed-endianness encodings for numeric fields, leaving raw
// bytes for blobs. Big-endian is used throughout so that byte-wise
// key/value comparisons (as bbolt's cursor does for ScanPrefix) sort
// numerically too.

func PutUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func GetUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func PutUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func GetUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func PutInt32(v int32) []byte {
	return PutUint32(uint32(v))
}

func GetInt32(b []byte) int32 {
	return int32(GetUint32(b))
}

func PutInt64(v int64) []byte {
	return PutUint64(uint64(v))
}

func GetInt64(b []byte) int64 {
	return int64(GetUint64(b))
}

func PutBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func GetBool(b []byte) bool {
	return len(b) > 0 && b[0] != 0
}
