package ingest

import "strings"

// Access method vocabulary observed across device firmware versions.
// grantWords mark a successful entry description; keyWords mark entry
// by an actual credential the coordinator manages.
var (
	grantWords = []string{"granted", "open", "unlock", "success", "allowed"}
	keyWords   = []string{"card", "rfid", "key", "tag", "fob", "pin", "code", "face"}
)

// isNonKeyAccess reports whether a granted event describes entry
// without a managed credential: a remote unlock, an exit button, or a
// person the canonical store knows but who holds no credential that
// could have opened this door.
func isNonKeyAccess(method string, userKnown, userHasCredential bool) bool {
	m := strings.ToLower(method)

	for _, kw := range keyWords {
		if strings.Contains(m, kw) {
			// A credential method was named; the grant is a key access
			// even if user resolution failed.
			return false
		}
	}

	if userKnown && !userHasCredential {
		return true
	}

	for _, gw := range grantWords {
		if strings.Contains(m, gw) {
			return true
		}
	}
	return false
}
