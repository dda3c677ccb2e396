package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crashmill/common/format/crash"
	"crashmill/processor/pipeline"
)

// DatesAndTimesRule derives crash_time, client_crash_date, install_age,
// uptime and last_crash from client timestamps and submitted_timestamp.
type DatesAndTimesRule struct {
	pipeline.Base
}

func (DatesAndTimesRule) Name() string { return "DatesAndTimesRule" }

func (DatesAndTimesRule) Action(c *pipeline.Crash) error {
	submitted, ok := c.Raw.String("submitted_timestamp")
	if !ok {
		return errors.New("Raw crash has no submitted_timestamp")
	}
	ts, err := crash.ParseTimestamp(submitted)
	if err != nil {
		return fmt.Errorf("Bad submitted_timestamp: %s", err.Error())
	}
	c.Processed["submitted_timestamp"] = crash.Format(ts)
	c.Processed["date_processed"] = crash.Format(ts)

	submittedEpoch := ts.Unix()
	crashTime := submittedEpoch
	switch v := c.Raw["CrashTime"].(type) {
	case nil:
		c.Status.Add("WARNING: raw_crash missing CrashTime")
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(headOf(v, 10)), 10, 64)
		if err != nil {
			crashTime = 0
			c.Status.Add(`non-integer value of "CrashTime"`)
		} else {
			crashTime = i
		}
	default:
		if i, err := parseInt(v); err == nil {
			crashTime = i
		} else {
			c.Status.Add(fmt.Sprintf("WARNING: raw_crash[CrashTime] contains unexpected value: %s", text(v)))
		}
	}
	c.Processed["crash_time"] = crashTime
	if crashTime == submittedEpoch {
		c.Status.Add("client_crash_date is unknown")
	}

	startupTime := crashTime
	if v, ok := c.Processed["startup_time"]; ok && v != nil {
		if i, err := parseInt(v); err == nil {
			startupTime = i
		}
	}

	installTime := startupTime
	if v, ok := c.Raw["InstallTime"]; ok {
		i, err := parseInt(v)
		if err != nil {
			installTime = 0
			c.Status.Add(`non-integer value of "InstallTime"`)
		} else {
			installTime = i
		}
	}

	c.Processed["client_crash_date"] = time.Unix(crashTime, 0).UTC().Format(crash.ClientDateLayout)
	c.Processed["install_age"] = crashTime - installTime
	c.Processed["uptime"] = max(0, crashTime-startupTime)

	var lastCrash any
	if v, ok := c.Raw["SecondsSinceLastCrash"]; ok {
		i, err := parseInt(v)
		switch {
		case errors.Is(err, strconv.ErrRange):
			c.Status.Add(`"SecondsSinceLastCrash" larger than MAXINT - set to NULL`)
		case err != nil:
			c.Status.Add(`non-integer value of "SecondsSinceLastCrash"`)
		default:
			lastCrash = i
		}
	}
	c.Processed["last_crash"] = lastCrash
	return nil
}

// headOf returns at most n leading bytes of s.
func headOf(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
