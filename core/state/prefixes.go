package state

import "bytes"

var (
	accountPrefix    = []byte("code/account/")
	codeObjectPrefix = []byte("code/object/")
	stateVersionKey  = []byte("state/version")
)

func accountKey(name string) []byte {
	buf := make([]byte, len(accountPrefix)+len(name))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], name)
	return buf
}

func codeObjectKey(hash []byte) []byte {
	buf := make([]byte, len(codeObjectPrefix)+len(hash))
	copy(buf, codeObjectPrefix)
	copy(buf[len(codeObjectPrefix):], hash)
	return buf
}

// IsCodeObjectKey reports whether key addresses a canonical code object.
func IsCodeObjectKey(key []byte) bool {
	return bytes.HasPrefix(key, codeObjectPrefix)
}
