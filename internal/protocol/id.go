package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID mints an identifier for a decoded observation or summary:
// millisecond timestamp prefix plus a random suffix. No central
// sequence is needed and ids sort roughly by creation time.
func NewID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}
