package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTime reports the time in an optional IANA zone.
func CurrentTime(now func() time.Time) Definition {
	if now == nil {
		now = time.Now
	}
	return Definition{
		Name:        "current_time",
		Description: "Returns the current date and time. Optionally pass an IANA timezone such as Europe/Berlin.",
		Parameters: []Parameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name; defaults to the server zone"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			t := now()
			if tz, _ := args["timezone"].(string); tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return "", fmt.Errorf("unknown timezone %q", tz)
				}
				t = t.In(loc)
			}
			return t.Format("Monday, 2006-01-02 15:04:05 MST"), nil
		},
	}
}
