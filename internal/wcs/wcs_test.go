package wcs

import (
	"bytes"
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/smartystreets/goconvey/convey"
)

// novaHeader mirrors the shape of a wcs.fits file from nova.astrometry.net.
func novaHeader() Header {
	return Header{
		{Key: "WCSAXES", Value: "2"},
		{Key: "CTYPE1", Value: "RA---TAN-SIP", Comment: "TAN (gnomic) projection + SIP distortions"},
		{Key: "CTYPE2", Value: "DEC--TAN-SIP", Comment: "TAN (gnomic) projection + SIP distortions"},
		{Key: "EQUINOX", Value: "2000.0"},
		{Key: "LONPOLE", Value: "180.0"},
		{Key: "CRVAL1", Value: "286.808333333"},
		{Key: "CRVAL2", Value: "35.2"},
		{Key: "CRPIX1", Value: "1024.5"},
		{Key: "CRPIX2", Value: "768.5"},
		{Key: "CD1_1", Value: "-3.2D-4"},
		{Key: "CD1_2", Value: "1.1E-6"},
		{Key: "CD2_1", Value: "-1.2E-6"},
		{Key: "CD2_2", Value: "-3.2E-4"},
		{Key: "IMAGEW", Value: "2048"},
		{Key: "IMAGEH", Value: "1536"},
		{Key: "A_ORDER", Value: "2"},
		{Key: "A_0_2", Value: "2.5E-7"},
		{Key: "A_1_1", Value: "-1.5E-7"},
		{Key: "A_2_0", Value: "4.0E-7"},
		{Key: "B_ORDER", Value: "2"},
		{Key: "B_0_2", Value: "-3.0E-7"},
		{Key: "B_1_1", Value: "2.0E-7"},
		{Key: "B_2_0", Value: "1.0E-7"},
		{Key: "AP_ORDER", Value: "2"},
		{Key: "AP_0_2", Value: "-2.5E-7"},
		{Key: "AP_1_1", Value: "1.5E-7"},
		{Key: "AP_2_0", Value: "-4.0E-7"},
		{Key: "BP_ORDER", Value: "2"},
		{Key: "BP_0_2", Value: "3.0E-7"},
		{Key: "BP_1_1", Value: "-2.0E-7"},
		{Key: "BP_2_0", Value: "-1.0E-7"},
		{Key: "SIMPLE", Value: "True"},
		{Key: "DATE", Value: "2020-09-07T03:14:00", Comment: "it's a date/time"},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	convey.Convey("Given a header encoded as FITS blocks", t, func() {
		raw := novaHeader().Encode()

		convey.Convey("The encoding is block aligned", func() {
			convey.So(len(raw)%blockSize, convey.ShouldEqual, 0)
		})

		convey.Convey("Reading it back restores every valued card", func() {
			h, err := ReadHeader(bytes.NewReader(raw))
			convey.So(err, convey.ShouldBeNil)
			convey.So(h, convey.ShouldHaveLength, len(novaHeader()))

			ctype, _ := h.Get("ctype1")
			convey.So(ctype, convey.ShouldEqual, "RA---TAN-SIP")
			cd, ok := h.Float("CD1_1")
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(cd, convey.ShouldAlmostEqual, -3.2e-4, 1e-12)
			simple, _ := h.Get("SIMPLE")
			convey.So(simple, convey.ShouldEqual, "True")
			date, _ := h.Get("DATE")
			convey.So(date, convey.ShouldEqual, "2020-09-07T03:14:00")
		})
	})
}

func TestReadHeaderSkipsCommentaryAndKeepsSlashesInStrings(t *testing.T) {
	var buf bytes.Buffer
	for _, card := range []string{
		"SIMPLE  =                    T / conforms",
		"COMMENT this card has no value",
		"HISTORY  solved by astrometry.net",
		"ORIGIN  = 'nova/astrometry.net' / where it came from",
		"OBJECT  = 'O''Brien field'",
		"END",
	} {
		buf.WriteString(card + strings.Repeat(" ", 80-len(card)))
	}
	buf.Write(bytes.Repeat([]byte{' '}, blockSize-buf.Len()))

	h, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if len(h) != 3 {
		t.Fatalf("expected 3 valued cards, got %d: %+v", len(h), h)
	}
	if v, _ := h.Get("ORIGIN"); v != "nova/astrometry.net" {
		t.Fatalf("ORIGIN = %q", v)
	}
	if h[1].Comment != "where it came from" {
		t.Fatalf("comment = %q", h[1].Comment)
	}
	if v, _ := h.Get("OBJECT"); v != "O'Brien field" {
		t.Fatalf("OBJECT = %q", v)
	}
}

func TestReadHeaderTruncated(t *testing.T) {
	if _, err := ReadHeader(strings.NewReader("SIMPLE  =                    T")); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}

func TestReadHeaderAcceptsStrippedPadding(t *testing.T) {
	raw := strings.TrimSpace(string(Header{{Key: "CTYPE1", Value: "RA---TAN"}, {Key: "CRVAL1", Value: "83.82"}}.Encode()))
	h, err := ReadHeader(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if v, _ := h.Get("CRVAL1"); len(h) != 2 || v != "83.82" {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestStringCardsRoundTrip(t *testing.T) {
	convey.Convey("Given string cards that look numeric", t, func() {
		var buf bytes.Buffer
		for _, card := range []string{
			"OBSID   = '12345   '",
			"FILTER  = 'NaN     '",
			"END",
		} {
			buf.WriteString(card + strings.Repeat(" ", 80-len(card)))
		}
		h, err := ReadHeader(&buf)
		convey.So(err, convey.ShouldBeNil)
		convey.So(h[0].Quoted, convey.ShouldBeTrue)

		convey.Convey("Encoding keeps them quoted", func() {
			raw := string(h.Encode())
			convey.So(raw, convey.ShouldContainSubstring, "OBSID   = '12345   '")
			convey.So(raw, convey.ShouldContainSubstring, "FILTER  = 'NaN     '")

			back, err := ReadHeader(strings.NewReader(raw))
			convey.So(err, convey.ShouldBeNil)
			convey.So(back[0].Quoted, convey.ShouldBeTrue)
			convey.So(back[1].Value, convey.ShouldEqual, "NaN")
		})
	})

	convey.Convey("Given unflagged non-finite spellings", t, func() {
		raw := string(Header{{Key: "A", Value: "Inf"}, {Key: "B", Value: "infinity"}, {Key: "C", Value: "0x1p-2"}, {Key: "D", Value: "1.5D-3"}}.Encode())

		convey.Convey("Only the FITS number is written bare", func() {
			convey.So(raw, convey.ShouldContainSubstring, "A       = 'Inf     '")
			convey.So(raw, convey.ShouldContainSubstring, "B       = 'infinity'")
			convey.So(raw, convey.ShouldContainSubstring, "C       = '0x1p-2  '")
			convey.So(raw, convey.ShouldContainSubstring, "D       =               1.5D-3")
		})
	})
}

func TestFromSexagesimal(t *testing.T) {
	convey.Convey("Given sexagesimal triplets", t, func() {
		convey.Convey("A northern target converts to degrees", func() {
			c, err := FromSexagesimal(RATriplet{19, 7, 14}, DecTriplet{Degrees: 35, Minutes: 12}, FK5)
			convey.So(err, convey.ShouldBeNil)
			convey.So(c.RA, convey.ShouldAlmostEqual, 286.8083333, 1e-6)
			convey.So(c.Dec, convey.ShouldAlmostEqual, 35.2, 1e-9)
			convey.So(c.String(), convey.ShouldStartWith, "19h07m14.00s +35d12m")
		})

		convey.Convey("A negative zero degree keeps its sign", func() {
			c, err := FromSexagesimal(RATriplet{0, 0, 0}, DecTriplet{Negative: true, Minutes: 30}, ICRS)
			convey.So(err, convey.ShouldBeNil)
			convey.So(c.Dec, convey.ShouldAlmostEqual, -0.5, 1e-12)
		})

		convey.Convey("Out of range components are rejected", func() {
			bad := []struct {
				ra  RATriplet
				dec DecTriplet
			}{
				{RATriplet{24, 0, 0}, DecTriplet{}},
				{RATriplet{1, 60, 0}, DecTriplet{}},
				{RATriplet{1, 0, -1}, DecTriplet{}},
				{RATriplet{1, 0, 0}, DecTriplet{Degrees: 91}},
				{RATriplet{1, 0, 0}, DecTriplet{Degrees: 90, Minutes: 1}},
				{RATriplet{1, 0, 0}, DecTriplet{Seconds: 60}},
			}
			for _, b := range bad {
				_, err := FromSexagesimal(b.ra, b.dec, FK5)
				convey.So(errors.Is(err, ErrInvalidCoordinate), convey.ShouldBeTrue)
			}
			_, err := FromSexagesimal(RATriplet{}, DecTriplet{}, Frame("galactic"))
			convey.So(errors.Is(err, ErrInvalidCoordinate), convey.ShouldBeTrue)
		})
	})
}

func TestWorldToPixel(t *testing.T) {
	convey.Convey("Given a TAN-SIP transform", t, func() {
		tr, err := NewTransform(novaHeader())
		convey.So(err, convey.ShouldBeNil)
		target, err := FromSexagesimal(RATriplet{19, 7, 14}, DecTriplet{Degrees: 35, Minutes: 12}, FK5)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("The same input always projects to the same pixel", func() {
			x1, y1, err1 := tr.WorldToPixel(target)
			x2, y2, err2 := tr.WorldToPixel(target)
			convey.So(err1, convey.ShouldBeNil)
			convey.So(err2, convey.ShouldBeNil)
			convey.So(x1, convey.ShouldEqual, x2)
			convey.So(y1, convey.ShouldEqual, y2)
		})

		convey.Convey("The reference point lands on CRPIX (zero-based)", func() {
			x, y, err := tr.WorldToPixel(target)
			convey.So(err, convey.ShouldBeNil)
			convey.So(x, convey.ShouldAlmostEqual, 1023.5, 1e-4)
			convey.So(y, convey.ShouldAlmostEqual, 767.5, 1e-4)
		})

		convey.Convey("Pixel to world and back is the identity", func() {
			for _, px := range [][2]float64{{0, 0}, {2047, 1535}, {100.25, 1400.75}, {1800, 200}} {
				sky := tr.PixelToWorld(px[0], px[1])
				x, y, err := tr.WorldToPixel(sky)
				convey.So(err, convey.ShouldBeNil)
				convey.So(x, convey.ShouldAlmostEqual, px[0], 1e-6)
				convey.So(y, convey.ShouldAlmostEqual, px[1], 1e-6)
			}
		})

		convey.Convey("East is to the left for a negative CD1_1", func() {
			east := SkyCoord{RA: target.RA + 0.05, Dec: target.Dec, Frame: FK5}
			x, _, err := tr.WorldToPixel(east)
			convey.So(err, convey.ShouldBeNil)
			convey.So(x, convey.ShouldBeLessThan, 1023.5)
		})

		convey.Convey("The far hemisphere cannot be projected", func() {
			_, _, err := tr.WorldToPixel(SkyCoord{RA: math.Mod(target.RA+180, 360), Dec: -target.Dec})
			convey.So(errors.Is(err, ErrNotProjectable), convey.ShouldBeTrue)
		})

		convey.Convey("The centre comes from IMAGEW/IMAGEH", func() {
			c, ok := tr.Center(novaHeader())
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(c.RA, convey.ShouldAlmostEqual, target.RA, 0.01)
			convey.So(c.Dec, convey.ShouldAlmostEqual, target.Dec, 0.01)
			convey.So(c.Frame, convey.ShouldEqual, FK5)
		})
	})
}

func TestCROTAMatchesCD(t *testing.T) {
	rot := 12.0
	cdelt := 2.5e-4
	s, c := math.Sincos(rot * deg2rad)
	base := Header{
		{Key: "CTYPE1", Value: "RA---TAN"},
		{Key: "CTYPE2", Value: "DEC--TAN"},
		{Key: "CRVAL1", Value: "83.82"},
		{Key: "CRVAL2", Value: "-5.39"},
		{Key: "CRPIX1", Value: "500"},
		{Key: "CRPIX2", Value: "400"},
	}
	withRot := append(append(Header{}, base...),
		Card{Key: "CDELT1", Value: formatFloat(-cdelt)},
		Card{Key: "CDELT2", Value: formatFloat(cdelt)},
		Card{Key: "CROTA2", Value: formatFloat(rot)},
	)
	withCD := append(append(Header{}, base...),
		Card{Key: "CD1_1", Value: formatFloat(-cdelt * c)},
		Card{Key: "CD1_2", Value: formatFloat(-cdelt * s)},
		Card{Key: "CD2_1", Value: formatFloat(-cdelt * s)},
		Card{Key: "CD2_2", Value: formatFloat(cdelt * c)},
	)

	a, err := NewTransform(withRot)
	if err != nil {
		t.Fatalf("CROTA transform: %v", err)
	}
	b, err := NewTransform(withCD)
	if err != nil {
		t.Fatalf("CD transform: %v", err)
	}
	target := SkyCoord{RA: 83.9, Dec: -5.3}
	ax, ay, _ := a.WorldToPixel(target)
	bx, by, _ := b.WorldToPixel(target)
	if math.Abs(ax-bx) > 1e-6 || math.Abs(ay-by) > 1e-6 {
		t.Fatalf("CROTA (%f, %f) != CD (%f, %f)", ax, ay, bx, by)
	}
}

func TestNewTransformErrors(t *testing.T) {
	h := Header{{Key: "CTYPE1", Value: "RA---SIN"}, {Key: "CTYPE2", Value: "DEC--SIN"}}
	if _, err := NewTransform(h); !errors.Is(err, ErrUnsupportedProjection) {
		t.Fatalf("expected ErrUnsupportedProjection, got %v", err)
	}

	h = Header{{Key: "CTYPE1", Value: "RA---TAN"}, {Key: "CTYPE2", Value: "DEC--TAN"}, {Key: "CRVAL1", Value: "10"}}
	if _, err := NewTransform(h); !errors.Is(err, ErrMissingKeyword) {
		t.Fatalf("expected ErrMissingKeyword, got %v", err)
	}

	h = append(Header{}, novaHeader()...)
	for i := range h {
		if strings.HasPrefix(h[i].Key, "CD") {
			h[i].Value = "0"
		}
	}
	if _, err := NewTransform(h); !errors.Is(err, ErrDegenerate) {
		t.Fatalf("expected ErrDegenerate, got %v", err)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
