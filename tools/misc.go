package tools

import (
	"errors"
	"net/mail"
	"strings"

	"github.com/modfin/henry/slicez"
)

// ValidEmail is the structural check applied to batch recipients. Anything
// that net/mail accepts as a bare address passes; deliverability is the
// transport's problem.
func ValidEmail(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return false
	}
	a, err := mail.ParseAddress(address)
	if err != nil {
		return false
	}
	// Reject "Name <addr>" forms, recipients are expected as bare addresses.
	return a.Address == address
}

func DomainOfEmail(address string) (string, error) {
	parts := strings.Split(address, "@")
	if len(parts) < 2 {
		return "", errors.New("no domain was present in email address")
	}
	return slicez.Nth(parts, -1), nil
}
