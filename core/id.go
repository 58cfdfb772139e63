package core

import (
	"github.com/google/uuid"

	"pkt.systems/imagine/schema"
)

func newSessionID() schema.SessionID {
	return schema.SessionID(uuid.NewString())
}
