package session

import (
	"fmt"
	"regexp"
)

var identityRegexp = regexp.MustCompile(`^[a-zA-Z0-9._@-]{1,64}$`)

// ValidateIdentity checks that identity is usable as a directory name and a
// participant id.
func ValidateIdentity(identity string) error {
	if !identityRegexp.MatchString(identity) {
		return fmt.Errorf("invalid identity %q: must match ^[a-zA-Z0-9._@-]{1,64}$", identity)
	}
	return nil
}
