package cache

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

const keySep = ":"

// userEscaper keeps the separator out of the user part of a key so a user
// ID containing ":" cannot alias another user's device entries.
var userEscaper = strings.NewReplacer("%", "%25", keySep, "%3A")

// UserKey normalizes a user ID to NFC so visually identical IDs share
// cache entries.
func UserKey(userID string) string {
	return userEscaper.Replace(norm.NFC.String(userID))
}

// UserDeviceKey builds the key for per-device entries such as sessions.
func UserDeviceKey(userID, deviceID string) string {
	return UserKey(userID) + keySep + deviceID
}

// ResultKey derives a fixed-size key for a memoized crypto result from the
// operation name and its inputs. Inputs are length-prefixed so ("ab", "c")
// and ("a", "bc") differ.
func ResultKey(op string, inputs ...[]byte) string {
	h, _ := blake2b.New256(nil)

	var n [binary.MaxVarintLen64]byte

	write := func(p []byte) {
		h.Write(n[:binary.PutUvarint(n[:], uint64(len(p)))])
		h.Write(p)
	}

	write([]byte(op))

	for _, in := range inputs {
		write(in)
	}

	return op + keySep + hex.EncodeToString(h.Sum(nil))
}
