package session

import (
	"context"
	"errors"
	"fmt"

	"platesolver/internal/config"
	"platesolver/internal/prompt"
	"platesolver/internal/wcs"
)

// HeaderSource yields a solved header. It is called again whenever the
// previous header could not be used.
type HeaderSource func(ctx context.Context) (wcs.Header, error)

// FileHeaderSource asks for a solved FITS file until one can be read.
func FileHeaderSource(p *prompt.Prompter) HeaderSource {
	return func(ctx context.Context) (wcs.Header, error) {
		p := p.WithContext(ctx)
		for {
			p.Printf("\nPlease put in the %s from nova.astrometry.net.\n", prompt.Em("plate solved image"))
			p.Println("It is usually called new-image.fits or wcs.fits.")
			raw, err := prompt.AskString(p, "\n: ", "")
			if err != nil {
				return nil, err
			}
			path, err := config.ExpandUser(raw)
			if err != nil {
				return nil, err
			}
			h, err := wcs.ReadHeaderFile(path)
			if err != nil {
				p.Printf("\n%s could not be read as a FITS file: %v\n", path, err)
				continue
			}
			return h, nil
		}
	}
}

// FirstThen returns h on the first call and defers to next afterwards.
func FirstThen(h wcs.Header, next HeaderSource) HeaderSource {
	used := false
	return func(ctx context.Context) (wcs.Header, error) {
		if !used && len(h) > 0 {
			used = true
			return h, nil
		}
		return next(ctx)
	}
}

// AskCoordinates reads RA and Dec one component at a time and re-asks
// until they form a valid position.
func AskCoordinates(ctx context.Context, p *prompt.Prompter) (wcs.SkyCoord, error) {
	p = p.WithContext(ctx)
	const notNumber = "Please enter a whole number."
	for {
		p.Printf("\n%s and %s for your target.\n", prompt.Em("Right Ascension"), prompt.Em("Declination"))
		p.Println("Enter the values one at a time. ( EX: 19 ( hit enter ), 07 ( hit enter ), 14 ( hit enter ) )")
		p.Printf("The same applies for %s values.\n", prompt.Em("Declination"))

		var ra wcs.RATriplet
		var err error
		if ra.Hours, err = prompt.Ask(p, "\nRA hours: ", notNumber, prompt.Int); err != nil {
			return wcs.SkyCoord{}, err
		}
		if ra.Minutes, err = prompt.Ask(p, "RA minutes: ", notNumber, prompt.Int); err != nil {
			return wcs.SkyCoord{}, err
		}
		if ra.Seconds, err = prompt.Ask(p, "RA seconds: ", notNumber, prompt.Int); err != nil {
			return wcs.SkyCoord{}, err
		}

		p.Printf("\n%s, don't forget the + or -\n", prompt.Em("Declination"))
		deg, err := prompt.Ask(p, "\nDec degrees: ", notNumber, prompt.SignedInt)
		if err != nil {
			return wcs.SkyCoord{}, err
		}
		dec := wcs.DecTriplet{Negative: deg.Negative, Degrees: abs(deg.Value)}
		if dec.Minutes, err = prompt.Ask(p, "Dec arcminutes: ", notNumber, prompt.Int); err != nil {
			return wcs.SkyCoord{}, err
		}
		if dec.Seconds, err = prompt.Ask(p, "Dec arcseconds: ", notNumber, prompt.Int); err != nil {
			return wcs.SkyCoord{}, err
		}

		c, err := wcs.FromSexagesimal(ra, dec, wcs.FK5)
		if err != nil {
			p.Printf("\n%s: %v\n", prompt.Fail("Value error"), err)
			p.Println("Please re-enter your RA and Dec.")
			continue
		}
		return c, nil
	}
}

// Project converts c to pixel coordinates, pulling headers from src until
// one of them can be used.
func Project(ctx context.Context, p *prompt.Prompter, c wcs.SkyCoord, src HeaderSource) (float64, float64, error) {
	p = p.WithContext(ctx)
	for {
		h, err := src(ctx)
		if err != nil {
			return 0, 0, err
		}
		t, err := wcs.NewTransform(h)
		if err != nil {
			p.Printf("\nThat header cannot be used for pixel coordinates: %v\n", err)
			continue
		}
		x, y, err := t.WorldToPixel(c)
		if errors.Is(err, wcs.ErrNotProjectable) {
			p.Printf("\n%s is on the far side of the sky from that image.\n", c)
			continue
		}
		if err != nil {
			return 0, 0, err
		}
		p.Println("\nPixel coordinates:")
		p.Printf("%s\n", formatPixel(x, y))
		return x, y, nil
	}
}

// ConvertCoordinates asks for a position and projects it with headers from src.
func ConvertCoordinates(ctx context.Context, p *prompt.Prompter, src HeaderSource) (float64, float64, error) {
	c, err := AskCoordinates(ctx, p)
	if err != nil {
		return 0, 0, err
	}
	return Project(ctx, p, c, src)
}

func formatPixel(x, y float64) string {
	return fmt.Sprintf("(%.3f, %.3f)", x, y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
