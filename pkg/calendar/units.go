package calendar

import (
	"fmt"
	"strconv"
	"strings"
)

// Units is a parsed CF time units string: a step size and an epoch.
type Units struct {
	// Step is the unit length in seconds.
	Step float64
	// Epoch is the date the offsets count from.
	Epoch DateTime
	// Raw preserves the original attribute value.
	Raw string
}

var unitSeconds = map[string]float64{
	"second": 1, "seconds": 1, "sec": 1, "secs": 1, "s": 1,
	"minute": 60, "minutes": 60, "min": 60, "mins": 60,
	"hour": 3600, "hours": 3600, "hr": 3600, "hrs": 3600, "h": 3600,
	"day": 86400, "days": 86400, "d": 86400,
}

// ParseUnits parses a CF units attribute of the form
// "<unit> since <date>[ <time>][ <zone>]". Time zones other than UTC/Z/+0
// are rejected.
func ParseUnits(s string) (Units, error) {
	fields := strings.Fields(s)
	if len(fields) < 3 || !strings.EqualFold(fields[1], "since") {
		return Units{}, fmt.Errorf("calendar: malformed units %q", s)
	}
	step, ok := unitSeconds[strings.ToLower(fields[0])]
	if !ok {
		return Units{}, fmt.Errorf("calendar: unsupported time unit %q in %q", fields[0], s)
	}
	rest := fields[2:]
	epoch, err := parseDateFields(rest)
	if err != nil {
		return Units{}, fmt.Errorf("calendar: bad epoch in %q: %w", s, err)
	}
	return Units{Step: step, Epoch: epoch, Raw: s}, nil
}

// ParseDate parses "YYYY-MM-DD" optionally followed by "HH:MM:SS[.frac]".
func ParseDate(s string) (DateTime, error) {
	return parseDateFields(strings.Fields(strings.TrimSpace(s)))
}

func parseDateFields(fields []string) (DateTime, error) {
	if len(fields) == 0 {
		return DateTime{}, fmt.Errorf("empty date")
	}
	var d DateTime
	d.Month, d.Day = 1, 1

	neg := false
	ds := fields[0]
	if strings.HasPrefix(ds, "-") {
		neg = true
		ds = ds[1:]
	}
	parts := strings.Split(ds, "-")
	if len(parts) < 1 || len(parts) > 3 {
		return DateTime{}, fmt.Errorf("malformed date %q", fields[0])
	}
	vals := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return DateTime{}, fmt.Errorf("malformed date %q", fields[0])
		}
		vals[i] = v
	}
	d.Year = vals[0]
	if neg {
		d.Year = -d.Year
	}
	if len(vals) > 1 {
		d.Month = vals[1]
	}
	if len(vals) > 2 {
		d.Day = vals[2]
	}

	if len(fields) > 1 {
		tparts := strings.Split(fields[1], ":")
		if len(tparts) > 3 {
			return DateTime{}, fmt.Errorf("malformed time %q", fields[1])
		}
		hh, err := strconv.Atoi(tparts[0])
		if err != nil {
			return DateTime{}, fmt.Errorf("malformed time %q", fields[1])
		}
		d.Hour = hh
		if len(tparts) > 1 {
			mm, err := strconv.Atoi(tparts[1])
			if err != nil {
				return DateTime{}, fmt.Errorf("malformed time %q", fields[1])
			}
			d.Minute = mm
		}
		if len(tparts) > 2 {
			ss, err := strconv.ParseFloat(tparts[2], 64)
			if err != nil {
				return DateTime{}, fmt.Errorf("malformed time %q", fields[1])
			}
			d.Second = ss
		}
	}

	if len(fields) > 2 {
		switch strings.ToUpper(fields[2]) {
		case "UTC", "Z", "+0", "+00", "+0000", "+00:00", "GMT", "0:00":
		default:
			return DateTime{}, fmt.Errorf("unsupported time zone %q", fields[2])
		}
	}
	return d, nil
}

// Offset converts a date to an offset in the given units and calendar. The
// date is validated against the calendar first.
func Offset(d DateTime, u Units, c Calendar) (float64, error) {
	if err := d.Validate(c); err != nil {
		return 0, err
	}
	if err := u.Epoch.Validate(c); err != nil {
		return 0, fmt.Errorf("calendar: bad epoch %s: %w", u.Epoch, err)
	}
	return (d.seconds(c) - u.Epoch.seconds(c)) / u.Step, nil
}

// Date converts an offset back to a date.
func Date(offset float64, u Units, c Calendar) (DateTime, error) {
	if err := u.Epoch.Validate(c); err != nil {
		return DateTime{}, fmt.Errorf("calendar: bad epoch %s: %w", u.Epoch, err)
	}
	return fromSeconds(c, u.Epoch.seconds(c)+offset*u.Step), nil
}

// Convert re-expresses an offset in different units under the same calendar.
func Convert(v float64, from, to Units, c Calendar) (float64, error) {
	if err := from.Epoch.Validate(c); err != nil {
		return 0, fmt.Errorf("calendar: bad epoch %s: %w", from.Epoch, err)
	}
	if err := to.Epoch.Validate(c); err != nil {
		return 0, fmt.Errorf("calendar: bad epoch %s: %w", to.Epoch, err)
	}
	abs := from.Epoch.seconds(c) + v*from.Step
	return (abs - to.Epoch.seconds(c)) / to.Step, nil
}
