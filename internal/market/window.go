package market

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"coinbot/pkg/types"
)

// Short-interval "Up or Down" markets carry their trading window in the
// title, e.g. "Bitcoin Up or Down - July 15, 3:00PM-3:15PM ET". The title is
// the only place the window is exposed, so the watcher parses it on intake.
var windowTitleRe = regexp.MustCompile(
	`^([A-Za-z0-9 ]+?) Up or Down - ([A-Za-z]+) (\d{1,2}), (\d{1,2}:\d{2}[AP]M)-(\d{1,2}:\d{2}[AP]M) ET$`,
)

// eastern is the exchange-local zone the titles are written in. The binary
// embeds tzdata (cmd/bot), so the fixed-offset fallback only fires in
// stripped environments.
var eastern = func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*3600)
	}
	return loc
}()

// ParseWindow extracts a MarketWindow from a market title, or nil when the
// title is not an Up-or-Down window market. The year is taken from now in
// Eastern time; a window ending at or before its start is assumed to cross
// midnight.
func ParseWindow(title string, now time.Time) *types.MarketWindow {
	m := windowTitleRe.FindStringSubmatch(strings.TrimSpace(title))
	if m == nil {
		return nil
	}
	asset := strings.TrimSpace(m[1])

	start, err := parseEasternClock(m[2], m[3], m[4], now)
	if err != nil {
		return nil
	}
	end, err := parseEasternClock(m[2], m[3], m[5], now)
	if err != nil {
		return nil
	}
	if !end.After(start) {
		end = end.Add(24 * time.Hour)
	}

	return &types.MarketWindow{
		Asset:           asset,
		StartTS:         start.UTC(),
		EndTS:           end.UTC(),
		DurationSeconds: int(end.Sub(start).Seconds()),
		WindowID:        strings.ToLower(asset) + ":" + start.Format("20060102T1504"),
	}
}

func parseEasternClock(month, day, clock string, now time.Time) (time.Time, error) {
	year := now.In(eastern).Year()
	return time.ParseInLocation(
		"January 2 2006 3:04PM",
		fmt.Sprintf("%s %s %d %s", month, day, year, clock),
		eastern,
	)
}
