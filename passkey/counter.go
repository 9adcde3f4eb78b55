package passkey

import (
	"encoding/json"
	"fmt"

	"github.com/panyam/plugauth"
)

// CheckSignCount accepts an assertion only if the authenticator's counter
// moved forward, or if the authenticator does not keep one (both zero).
func CheckSignCount(stored, reported uint32) error {
	if stored == 0 && reported == 0 {
		return nil
	}
	if reported > stored {
		return nil
	}
	return fmt.Errorf("%w: sign count %d, last seen %d", plugauth.ErrPossibleCloneDetected, reported, stored)
}

// uintValue reads a counter out of credential data, which may have been
// through a JSON round trip
func uintValue(v any) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	case int:
		return uint32(n)
	case int64:
		return uint32(n)
	case uint64:
		return uint32(n)
	case float64:
		return uint32(n)
	case json.Number:
		i, _ := n.Int64()
		return uint32(i)
	}
	return 0
}
