package wcs

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrUnsupportedProjection is returned for anything but RA---TAN / DEC--TAN (with optional SIP).
	ErrUnsupportedProjection = errors.New("unsupported WCS projection")
	// ErrNotProjectable is returned for positions 90 degrees or more from the reference point.
	ErrNotProjectable = errors.New("coordinate cannot be projected onto the image plane")
	// ErrDegenerate is returned when the linear transform has no inverse.
	ErrDegenerate = errors.New("degenerate WCS matrix")
)

const (
	deg2rad       = math.Pi / 180
	rad2deg       = 180 / math.Pi
	sipIterations = 50
	sipTolerance  = 1e-10
)

// Transform maps between sky and pixel coordinates for a TAN(-SIP) header.
type Transform struct {
	crval [2]float64 // degrees
	crpix [2]float64 // one-based
	cd    [2][2]float64
	cdInv [2][2]float64

	a, b   *sip // forward distortion, pixel -> intermediate
	ap, bp *sip // inverse distortion

	frame Frame
}

// sip holds polynomial terms in a fixed order so evaluation is repeatable
// to the last bit.
type sip struct {
	order int
	terms []sipTerm
}

type sipTerm struct {
	p, q int
	c    float64
}

func (s *sip) eval(u, v float64) float64 {
	if s == nil {
		return 0
	}
	var sum float64
	for _, t := range s.terms {
		sum += t.c * math.Pow(u, float64(t.p)) * math.Pow(v, float64(t.q))
	}
	return sum
}

// NewTransform builds a Transform from a solved header. The linear part
// comes from CDi_j, or CDELTi with PCi_j or CROTA2.
func NewTransform(h Header) (*Transform, error) {
	ctype1, _ := h.Get("CTYPE1")
	ctype2, _ := h.Get("CTYPE2")
	if !strings.HasPrefix(ctype1, "RA---TAN") || !strings.HasPrefix(ctype2, "DEC--TAN") {
		return nil, fmt.Errorf("%w: CTYPE %q/%q", ErrUnsupportedProjection, ctype1, ctype2)
	}
	if lonpole, ok := h.Float("LONPOLE"); ok && lonpole != 180 {
		return nil, fmt.Errorf("%w: LONPOLE %g", ErrUnsupportedProjection, lonpole)
	}

	t := &Transform{frame: FK5}
	if sys, ok := h.Get("RADESYS"); ok && strings.EqualFold(strings.TrimSpace(sys), "ICRS") {
		t.frame = ICRS
	}
	var err error
	for i, key := range []string{"CRVAL1", "CRVAL2"} {
		if t.crval[i], err = h.mustFloat(key); err != nil {
			return nil, err
		}
	}
	for i, key := range []string{"CRPIX1", "CRPIX2"} {
		if t.crpix[i], err = h.mustFloat(key); err != nil {
			return nil, err
		}
	}
	if t.cd, err = linearPart(h); err != nil {
		return nil, err
	}

	det := t.cd[0][0]*t.cd[1][1] - t.cd[0][1]*t.cd[1][0]
	if det == 0 {
		return nil, ErrDegenerate
	}
	t.cdInv = [2][2]float64{
		{t.cd[1][1] / det, -t.cd[0][1] / det},
		{-t.cd[1][0] / det, t.cd[0][0] / det},
	}

	if strings.HasSuffix(ctype1, "-SIP") {
		t.a = readSIP(h, "A")
		t.b = readSIP(h, "B")
		t.ap = readSIP(h, "AP")
		t.bp = readSIP(h, "BP")
	}
	return t, nil
}

func linearPart(h Header) ([2][2]float64, error) {
	var cd [2][2]float64
	if _, ok := h.Get("CD1_1"); ok {
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				cd[i][j], _ = h.Float(fmt.Sprintf("CD%d_%d", i+1, j+1))
			}
		}
		return cd, nil
	}

	cdelt1, err := h.mustFloat("CDELT1")
	if err != nil {
		return cd, err
	}
	cdelt2, err := h.mustFloat("CDELT2")
	if err != nil {
		return cd, err
	}

	pc := [2][2]float64{{1, 0}, {0, 1}}
	_, hasPC := h.Get("PC1_1")
	switch {
	case hasPC:
		for i := 0; i < 2; i++ {
			for j := 0; j < 2; j++ {
				if v, ok := h.Float(fmt.Sprintf("PC%d_%d", i+1, j+1)); ok {
					pc[i][j] = v
				}
			}
		}
	default:
		if rot, ok := h.Float("CROTA2"); ok {
			s, c := math.Sincos(rot * deg2rad)
			// CROTA2 convention expressed as PC with the CDELT ratio folded in.
			pc = [2][2]float64{{c, -s * cdelt2 / cdelt1}, {s * cdelt1 / cdelt2, c}}
		}
	}
	cdelt := [2]float64{cdelt1, cdelt2}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			cd[i][j] = cdelt[i] * pc[i][j]
		}
	}
	return cd, nil
}

func readSIP(h Header, prefix string) *sip {
	order, ok := h.Int(prefix + "_ORDER")
	if !ok || order < 1 {
		return nil
	}
	s := &sip{order: order}
	for p := 0; p <= order; p++ {
		for q := 0; q <= order-p; q++ {
			if c, ok := h.Float(fmt.Sprintf("%s_%d_%d", prefix, p, q)); ok && c != 0 {
				s.terms = append(s.terms, sipTerm{p: p, q: q, c: c})
			}
		}
	}
	return s
}

// WorldToPixel projects c onto the image and returns zero-based pixel
// coordinates. The result is not clipped to the image extent.
func (t *Transform) WorldToPixel(c SkyCoord) (float64, float64, error) {
	ra := c.RA * deg2rad
	dec := c.Dec * deg2rad
	ra0 := t.crval[0] * deg2rad
	dec0 := t.crval[1] * deg2rad

	sinDec, cosDec := math.Sincos(dec)
	sinDec0, cosDec0 := math.Sincos(dec0)
	sinDRA, cosDRA := math.Sincos(ra - ra0)

	cosc := sinDec0*sinDec + cosDec0*cosDec*cosDRA
	if cosc <= 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrNotProjectable, c)
	}
	xi := cosDec * sinDRA / cosc * rad2deg
	eta := (cosDec0*sinDec - sinDec0*cosDec*cosDRA) / cosc * rad2deg

	// Undistorted offsets from CRPIX.
	u := t.cdInv[0][0]*xi + t.cdInv[0][1]*eta
	v := t.cdInv[1][0]*xi + t.cdInv[1][1]*eta

	du, dv := u, v
	if t.ap != nil || t.bp != nil {
		du = u + t.ap.eval(u, v)
		dv = v + t.bp.eval(u, v)
	}
	if t.a != nil || t.b != nil {
		// Refine so that du + A(du, dv) == u.
		for i := 0; i < sipIterations; i++ {
			nu := u - t.a.eval(du, dv)
			nv := v - t.b.eval(du, dv)
			done := math.Abs(nu-du) < sipTolerance && math.Abs(nv-dv) < sipTolerance
			du, dv = nu, nv
			if done {
				break
			}
		}
	}

	return du + t.crpix[0] - 1, dv + t.crpix[1] - 1, nil
}

// PixelToWorld maps zero-based pixel coordinates back to the sky.
func (t *Transform) PixelToWorld(x, y float64) SkyCoord {
	u := x + 1 - t.crpix[0]
	v := y + 1 - t.crpix[1]
	if t.a != nil || t.b != nil {
		u, v = u+t.a.eval(u, v), v+t.b.eval(u, v)
	}
	xi := (t.cd[0][0]*u + t.cd[0][1]*v) * deg2rad
	eta := (t.cd[1][0]*u + t.cd[1][1]*v) * deg2rad

	ra0 := t.crval[0] * deg2rad
	dec0 := t.crval[1] * deg2rad
	sinDec0, cosDec0 := math.Sincos(dec0)

	rho := math.Hypot(xi, eta)
	if rho == 0 {
		return SkyCoord{RA: t.crval[0], Dec: t.crval[1], Frame: t.frame}
	}
	c := math.Atan(rho)
	sinC, cosC := math.Sincos(c)

	dec := math.Asin(cosC*sinDec0 + eta*sinC*cosDec0/rho)
	ra := ra0 + math.Atan2(xi*sinC, rho*cosDec0*cosC-eta*sinDec0*sinC)

	raDeg := math.Mod(ra*rad2deg, 360)
	if raDeg < 0 {
		raDeg += 360
	}
	return SkyCoord{RA: raDeg, Dec: dec * rad2deg, Frame: t.frame}
}

// Frame is the reference frame declared by RADESYS (FK5 when absent).
// FK5 J2000 and ICRS differ by less than 0.02 arcsec, so positions in
// either frame are projected the same way.
func (t *Transform) Frame() Frame { return t.frame }

// Center returns the sky position of the image centre when the header
// records the image size (IMAGEW/IMAGEH from nova, or NAXIS1/NAXIS2).
func (t *Transform) Center(h Header) (SkyCoord, bool) {
	w, okW := h.Float("IMAGEW")
	ht, okH := h.Float("IMAGEH")
	if !okW || !okH {
		w, okW = h.Float("NAXIS1")
		ht, okH = h.Float("NAXIS2")
	}
	if !okW || !okH || w <= 0 || ht <= 0 {
		return SkyCoord{}, false
	}
	return t.PixelToWorld((w-1)/2, (ht-1)/2), true
}
