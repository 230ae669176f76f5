package session

import (
	"github.com/google/uuid"

	"alnp/internal/proto"
)

// NewID returns a random (version 4 UUID) session id.
func NewID() proto.SessionID {
	return proto.SessionID(uuid.New())
}
