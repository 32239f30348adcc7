package util

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// IDHexLength is the number of hex digits after an ID prefix.
const IDHexLength = 32

// newID returns prefix followed by the creation second (8 hex digits) and 24
// random hex digits, so IDs of one kind sort roughly by creation time.
// Not suitable for secrets.
func newID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s%08x%016x%08x", prefix, uint32(now.Unix()), rand.Uint64(), rand.Uint32())
}

// GenerateMessageID returns a queued message ID ("msg_...").
func GenerateMessageID() string {
	return newID("msg_", time.Now())
}

// GenerateSubscriptionID returns a restock subscription ID ("sub_...").
func GenerateSubscriptionID() string {
	return newID("sub_", time.Now())
}
