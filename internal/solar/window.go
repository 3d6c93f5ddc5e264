// Package solar approximates the local daylight interval during which an
// inverter is expected to answer.
package solar

import (
	"math"
	"time"
)

// Defaults used when a site has no coordinates.
const (
	DefaultMargin        = 30 * time.Minute
	DefaultFallbackStart = 6 * time.Hour
	DefaultFallbackEnd   = 19 * time.Hour
)

// zenith of the sun's upper limb at sunrise, including refraction
const sunriseZenith = 90.833

// Window is a production interval in local time.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Site locates a device for window computation.
type Site struct {
	Latitude       float64
	Longitude      float64
	HasCoordinates bool
	Location       *time.Location

	Margin        time.Duration
	FallbackStart time.Duration // offset from local midnight
	FallbackEnd   time.Duration
}

// NewSite creates a site with default margin and fallback window. Zero
// coordinates are treated as unknown.
func NewSite(latitude, longitude float64, loc *time.Location) Site {
	if loc == nil {
		loc = time.Local
	}
	return Site{
		Latitude:       latitude,
		Longitude:      longitude,
		HasCoordinates: latitude != 0 || longitude != 0,
		Location:       loc,
		Margin:         DefaultMargin,
		FallbackStart:  DefaultFallbackStart,
		FallbackEnd:    DefaultFallbackEnd,
	}
}

func (s Site) location() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

// WindowFor returns the production window of the day containing t. With
// coordinates the day is the solar day at the site's longitude, so the
// result does not depend on Location. Without them it is the calendar day
// in Location.
func (s Site) WindowFor(t time.Time) Window {
	if !s.HasCoordinates {
		local := t.In(s.location())
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location())
		return Window{
			Start: midnight.Add(s.FallbackStart),
			End:   midnight.Add(s.FallbackEnd),
		}
	}

	// Mean solar time runs 4 minutes ahead of UTC per degree east.
	solarOffset := minutes(4 * s.Longitude)
	solar := t.UTC().Add(solarOffset)
	utcMidnight := time.Date(solar.Year(), solar.Month(), solar.Day(), 0, 0, 0, 0, time.UTC)

	sunrise, sunset := sunTimes(solar.YearDay(), s.Latitude, s.Longitude)
	if sunset-sunrise >= 24*60 {
		solarMidnight := utcMidnight.Add(-solarOffset)
		return Window{
			Start: solarMidnight.In(s.location()),
			End:   solarMidnight.Add(24 * time.Hour).In(s.location()),
		}
	}

	// Sun times are minutes from UTC midnight of the solar date.
	start := utcMidnight.Add(minutes(sunrise)).In(s.location())
	end := utcMidnight.Add(minutes(sunset)).In(s.location())

	return Window{
		Start: start.Add(-s.Margin),
		End:   end.Add(s.Margin),
	}
}

// InWindow reports whether t falls inside the production window of its day.
func (s Site) InWindow(t time.Time) bool {
	return s.WindowFor(t).Contains(t)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

// sunTimes returns sunrise and sunset in minutes after UTC midnight using
// the fractional-year approximation of declination and the equation of time.
// Polar night collapses the day to solar noon and polar day spans it fully.
func sunTimes(dayOfYear int, latitude, longitude float64) (sunrise, sunset float64) {
	gamma := 2 * math.Pi / 365 * float64(dayOfYear-1)

	eqTime := 229.18 * (0.000075 +
		0.001868*math.Cos(gamma) -
		0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) -
		0.040849*math.Sin(2*gamma))

	decl := 0.006918 -
		0.399912*math.Cos(gamma) +
		0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) +
		0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) +
		0.00148*math.Sin(3*gamma)

	lat := latitude * math.Pi / 180
	cosHA := math.Cos(sunriseZenith*math.Pi/180)/(math.Cos(lat)*math.Cos(decl)) - math.Tan(lat)*math.Tan(decl)
	cosHA = math.Max(-1, math.Min(1, cosHA))
	ha := math.Acos(cosHA) * 180 / math.Pi

	noon := 720 - 4*longitude - eqTime
	return noon - 4*ha, noon + 4*ha
}
