package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

func StatsTotalKey() string {
	return "stats:text:total"
}

func StatsModelKey(model string) string {
	return fmt.Sprintf("stats:text:model:%s", model)
}

// StatsCompiledKey caches the assembled stats response; readers tolerate
// roughly 50 seconds of staleness.
func StatsCompiledKey(kind string) string {
	return fmt.Sprintf("stats:text:compiled:%s", kind)
}
