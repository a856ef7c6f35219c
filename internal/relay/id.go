package relay

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 128-bit random value rendered as a 36-character
// lowercase hyphenated hex string (8-4-4-4-12), used as a connection
// identifier (spec Component A) and as an agent identifier. This is
// deliberately not an RFC 4122 UUID: no version or variant bits are set,
// it is simply uniformly random bytes in a hyphenated hex layout.
func NewID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("relay: failed to read random bytes: " + err.Error())
	}
	buf := make([]byte, 36)
	hex.Encode(buf[0:8], raw[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], raw[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], raw[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], raw[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:36], raw[10:16])
	return string(buf)
}
