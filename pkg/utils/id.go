package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateConnectionID returns a unique signaling connection id.
func GenerateConnectionID() string {
	return fmt.Sprintf("conn_%s", uuid.NewString())
}

// GenerateMessageID returns a unique signaling message id.
func GenerateMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.NewString())
}

// GenerateCredentialID returns a unique relay credential id.
func GenerateCredentialID() string {
	return fmt.Sprintf("cred_%s", uuid.NewString())
}
