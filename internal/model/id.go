package model

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewID returns a client-side identifier composed of the current unix
// milliseconds and a random suffix, e.g. "1718000000000-3f9a1c2b".
func NewID() string {
	u := uuid.New()
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + u.String()[:8]
}
