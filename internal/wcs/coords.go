package wcs

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidCoordinate is wrapped when a sexagesimal component is out of range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Frame names a celestial reference frame.
type Frame string

const (
	FK5  Frame = "fk5"
	ICRS Frame = "icrs"
)

// SkyCoord is a position on the celestial sphere in degrees.
type SkyCoord struct {
	RA    float64 `json:"ra"`
	Dec   float64 `json:"dec"`
	Frame Frame   `json:"frame"`
}

// RATriplet is right ascension as hours, minutes, seconds.
type RATriplet struct {
	Hours, Minutes, Seconds int
}

// DecTriplet is declination as degrees, arcminutes, arcseconds. Degrees is
// unsigned; Negative carries the sign so -00 30 00 stays south.
type DecTriplet struct {
	Negative                  bool
	Degrees, Minutes, Seconds int
}

// FromSexagesimal assembles a SkyCoord from the triplets a user types in.
func FromSexagesimal(ra RATriplet, dec DecTriplet, frame Frame) (SkyCoord, error) {
	switch {
	case ra.Hours < 0 || ra.Hours >= 24:
		return SkyCoord{}, fmt.Errorf("%w: RA hours %d not in [0, 24)", ErrInvalidCoordinate, ra.Hours)
	case ra.Minutes < 0 || ra.Minutes >= 60:
		return SkyCoord{}, fmt.Errorf("%w: RA minutes %d not in [0, 60)", ErrInvalidCoordinate, ra.Minutes)
	case ra.Seconds < 0 || ra.Seconds >= 60:
		return SkyCoord{}, fmt.Errorf("%w: RA seconds %d not in [0, 60)", ErrInvalidCoordinate, ra.Seconds)
	case dec.Degrees < 0 || dec.Degrees > 90:
		return SkyCoord{}, fmt.Errorf("%w: Dec degrees %d not in [0, 90]", ErrInvalidCoordinate, dec.Degrees)
	case dec.Minutes < 0 || dec.Minutes >= 60:
		return SkyCoord{}, fmt.Errorf("%w: Dec arcminutes %d not in [0, 60)", ErrInvalidCoordinate, dec.Minutes)
	case dec.Seconds < 0 || dec.Seconds >= 60:
		return SkyCoord{}, fmt.Errorf("%w: Dec arcseconds %d not in [0, 60)", ErrInvalidCoordinate, dec.Seconds)
	case dec.Degrees == 90 && (dec.Minutes != 0 || dec.Seconds != 0):
		return SkyCoord{}, fmt.Errorf("%w: Dec beyond the pole", ErrInvalidCoordinate)
	}
	switch frame {
	case FK5, ICRS:
	default:
		return SkyCoord{}, fmt.Errorf("%w: unknown frame %q", ErrInvalidCoordinate, frame)
	}

	raDeg := 15 * (float64(ra.Hours) + float64(ra.Minutes)/60 + float64(ra.Seconds)/3600)
	decDeg := float64(dec.Degrees) + float64(dec.Minutes)/60 + float64(dec.Seconds)/3600
	if dec.Negative {
		decDeg = -decDeg
	}
	return SkyCoord{RA: raDeg, Dec: decDeg, Frame: frame}, nil
}

// String formats the coordinate as "19h07m14.00s +35d12m00.0s (fk5)".
func (c SkyCoord) String() string {
	h := c.RA / 15
	hh := math.Floor(h)
	mm := math.Floor((h - hh) * 60)
	ss := ((h-hh)*60 - mm) * 60

	sign := "+"
	d := c.Dec
	if d < 0 {
		sign = "-"
		d = -d
	}
	dd := math.Floor(d)
	dm := math.Floor((d - dd) * 60)
	ds := ((d-dd)*60 - dm) * 60
	return fmt.Sprintf("%02.0fh%02.0fm%05.2fs %s%02.0fd%02.0fm%04.1fs (%s)", hh, mm, ss, sign, dd, dm, ds, c.Frame)
}
