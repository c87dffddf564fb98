package cache

import (
	"strconv"
	"time"
)

// PublicMaxAge renders the Cache-Control value the proxy sends to clients.
func PublicMaxAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return "public, max-age=" + strconv.FormatInt(int64(d/time.Second), 10)
}
