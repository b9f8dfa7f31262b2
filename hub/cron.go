package hub

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var sweepCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

// ParseSweepSchedule validates a five-field cron expression for the TTL
// sweep cycle. Timezone prefixes are rejected; schedules run in UTC.
func ParseSweepSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("hub: sweep schedule is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("hub: sweep schedule must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := sweepCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("hub: invalid sweep schedule: %w", err)
	}
	return schedule, nil
}

func nextSweepUTC(schedule cron.Schedule, now time.Time) time.Time {
	return schedule.Next(now.UTC())
}
