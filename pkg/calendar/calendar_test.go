package calendar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUnits(t *testing.T) {
	u, err := ParseUnits("days since 2000-01-01")
	require.NoError(t, err)
	assert.Equal(t, 86400.0, u.Step)
	assert.Equal(t, DateTime{Year: 2000, Month: 1, Day: 1}, u.Epoch)

	u, err = ParseUnits("hours since 1979-06-15 12:30:00")
	require.NoError(t, err)
	assert.Equal(t, 3600.0, u.Step)
	assert.Equal(t, 12, u.Epoch.Hour)
	assert.Equal(t, 30, u.Epoch.Minute)

	_, err = ParseUnits("fortnights since 2000-01-01")
	assert.Error(t, err)
	_, err = ParseUnits("days after 2000-01-01")
	assert.Error(t, err)
}

func TestOffsetResolution(t *testing.T) {
	u, err := ParseUnits("days since 2000-01-01")
	require.NoError(t, err)

	// The first of february is 31 days in, in every calendar with real
	// month lengths.
	d := DateTime{Year: 2000, Month: 2, Day: 1}
	for _, cal := range []Calendar{Standard, NoLeap, Julian, ProlepticGregorian} {
		off, err := Offset(d, u, cal)
		require.NoError(t, err, string(cal))
		assert.Equal(t, 31.0, off, string(cal))
	}

	// In the 360 day calendar every month has 30 days.
	off, err := Offset(d, u, Day360)
	require.NoError(t, err)
	assert.Equal(t, 30.0, off)
}

// TestNoLeapFebruary29 is the date-out-of-range case: 2000-02-29 exists in
// the standard calendar but not in noleap.
func TestNoLeapFebruary29(t *testing.T) {
	u, err := ParseUnits("days since 2000-01-01")
	require.NoError(t, err)
	d := DateTime{Year: 2000, Month: 2, Day: 29}

	_, err = Offset(d, u, Standard)
	assert.NoError(t, err)

	_, err = Offset(d, u, NoLeap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "date out of range")
}

func TestUnitConversion(t *testing.T) {
	days, err := ParseUnits("days since 2000-01-01")
	require.NoError(t, err)
	hours, err := ParseUnits("hours since 2000-01-01")
	require.NoError(t, err)

	// 48 and 72 hours are days 2 and 3.
	for _, tc := range []struct{ in, want float64 }{{0, 0}, {48, 2}, {72, 3}} {
		got, err := Convert(tc.in, hours, days, Standard)
		require.NoError(t, err)
		assert.InDelta(t, tc.want, got, 1e-12)
	}
}

func TestConversionAcrossEpochs(t *testing.T) {
	a, err := ParseUnits("days since 2000-01-01")
	require.NoError(t, err)
	b, err := ParseUnits("days since 2000-01-31")
	require.NoError(t, err)
	got, err := Convert(0, b, a, NoLeap)
	require.NoError(t, err)
	assert.InDelta(t, 30.0, got, 1e-12)
}

func TestDateInverse(t *testing.T) {
	u, err := ParseUnits("days since 1850-01-01")
	require.NoError(t, err)
	for _, cal := range []Calendar{Standard, ProlepticGregorian, NoLeap, AllLeap, Day360, Julian} {
		for _, off := range []float64{0, 1, 59, 365, 400.5, 10000} {
			d, err := Date(off, u, cal)
			require.NoError(t, err)
			back, err := Offset(d, u, cal)
			require.NoError(t, err, "%s %v -> %s", cal, off, d)
			assert.InDelta(t, off, back, 1e-6, "%s %v", cal, off)
		}
	}
}

func TestLeapRules(t *testing.T) {
	assert.True(t, isLeap(ProlepticGregorian, 2000))
	assert.False(t, isLeap(ProlepticGregorian, 1900))
	assert.True(t, isLeap(Julian, 1900))
	assert.False(t, isLeap(NoLeap, 2000))
	assert.True(t, isLeap(AllLeap, 1999))
}

func TestGregorianReformGap(t *testing.T) {
	d := DateTime{Year: 1582, Month: 10, Day: 10}
	assert.Error(t, d.Validate(Standard))
	assert.NoError(t, d.Validate(ProlepticGregorian))

	// The day after 1582-10-04 is 1582-10-15 in the mixed calendar.
	before := dayNumber(Standard, 1582, 10, 4)
	after := dayNumber(Standard, 1582, 10, 15)
	assert.Equal(t, before+1, after)
}

func TestParseCalendar(t *testing.T) {
	for name, want := range map[string]Calendar{
		"":         Standard,
		"standard": Standard, "gregorian": Standard,
		"noleap": NoLeap, "365_day": NoLeap,
		"all_leap": AllLeap, "366_day": AllLeap,
		"360_day": Day360, "julian": Julian,
		"proleptic_gregorian": ProlepticGregorian,
	} {
		got, err := Parse(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := Parse("discordian")
	assert.Error(t, err)
	assert.True(t, Same("", "standard"))
	assert.False(t, Same("noleap", "360_day"))
}
