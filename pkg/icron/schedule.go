package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts the standard five-field syntax plus descriptors such as
// "@hourly", matching cron.New's default.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Next       time.Time `json:"next"`
	Last       time.Time `json:"last,omitempty"`
	Expression string    `json:"expression"`

	TimeSinceLast time.Duration `json:"time_since_last,omitempty"`
	TimeUntilNext time.Duration `json:"time_until_next"`
}

// GetTriggerInfo reports the next and most recent firing of cronExpr
// around refTime. Last stays zero when the expression did not fire in the
// year before refTime.
func GetTriggerInfo(cronExpr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	info := &TriggerInfo{
		Expression: cronExpr,
		Next:       schedule.Next(refTime),
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	// walk back an hour at a time until a firing lands at or before refTime
	searchStart := refTime.Add(-time.Minute)
	for i := 0; i < 366*24; i++ {
		candidate := schedule.Next(searchStart.Add(-time.Duration(i) * time.Hour))
		if !candidate.After(refTime) {
			// the latest firing in (candidate, refTime] may be later still
			for next := schedule.Next(candidate); !next.After(refTime); next = schedule.Next(next) {
				candidate = next
			}
			info.Last = candidate
			info.TimeSinceLast = refTime.Sub(candidate)
			break
		}
	}

	return info, nil
}
