package license

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// KeyPrefix tags every key issued by this service.
const KeyPrefix = "PWEPER-"

const keyRandomBytes = 16

// GenerateKey draws a fresh license key from crypto/rand. 128 bits of
// entropy make collisions statistically negligible, but callers still
// confirm uniqueness against the store before handing the key out.
func GenerateKey() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes")
	}
	return KeyPrefix + strings.ToUpper(hex.EncodeToString(buf)), nil
}
