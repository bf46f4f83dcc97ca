package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calmerge/internal/model"
)

const productID = "-//calmerge//Merged Calendar//EN"

// Encode renders a merged calendar as an iCalendar document with CRLF line
// endings.
func Encode(name string, cal *model.Calendar) []byte {
	out := ical.NewCalendarFor("calmerge")
	out.SetProductId(productID)
	out.SetCalscale("GREGORIAN")
	if name != "" {
		out.SetXWRCalName(name)
	}
	if cal.RefreshInterval > 0 {
		out.SetRefreshInterval(formatDuration(cal.RefreshInterval))
		out.SetXPublishedTTL(formatDuration(cal.RefreshInterval))
	}

	stamp := cal.GeneratedAt
	if stamp.IsZero() {
		stamp = time.Now()
	}

	for _, ev := range cal.Events {
		vev := ical.NewEvent(ev.UID)
		vev.SetDtStampTime(stamp)
		if ev.AllDay {
			vev.SetAllDayStartAt(ev.Start)
			vev.SetAllDayEndAt(ev.End)
		} else {
			vev.SetStartAt(ev.Start)
			vev.SetEndAt(ev.End)
		}
		for _, p := range ev.Properties {
			vev.Properties = append(vev.Properties, ical.IANAProperty{
				BaseProperty: ical.BaseProperty{
					IANAToken:      strings.ToUpper(p.Name),
					ICalParameters: p.Params,
					Value:          p.Value,
				},
			})
		}
		out.AddVEvent(vev)
	}

	return []byte(out.Serialize(ical.WithNewLineWindows))
}

// formatDuration renders d as an RFC 5545 dur-time, e.g. PT15M.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteString("P")
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if d == 0 {
		return b.String()
	}
	b.WriteString("T")
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if s := d / time.Second; s > 0 {
		fmt.Fprintf(&b, "%dS", s)
	}
	return b.String()
}
