package collector

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

func sha256Hex(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func base64StdEncode(content []byte) string {
	return base64.StdEncoding.EncodeToString(content)
}
