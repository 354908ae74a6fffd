package fsutil

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "golang.org/x/image/tiff"
)

// solvableExts lists the formats nova.astrometry.net accepts. Lookups are
// case-folded so .FITS and .fits are the same.
var solvableExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".jpeg": {},
	".jpg":  {},
	".png":  {},
	".tif":  {},
	".tiff": {},
}

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// ErrNotRaster is returned by ImageDimensions for FITS files, whose size
// lives in the header rather than an image codec.
var ErrNotRaster = errors.New("not a raster image")

// SupportedExtensions returns the accepted extensions in display order.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(solvableExts))
	for ext := range solvableExts {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// IsSolvableImage checks if a file has an extension the solver accepts.
func IsSolvableImage(path string) bool {
	_, ok := solvableExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// IsFITSFile checks if a file is a FITS image.
func IsFITSFile(path string) bool {
	_, ok := fitsExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// ListImages returns the solvable images directly inside dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !IsSolvableImage(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// IsRegularFile reports whether path exists and is not a directory.
func IsRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ImageDimensions decodes only the header of a JPEG, PNG, GIF or TIFF file.
func ImageDimensions(path string) (int, int, error) {
	if IsFITSFile(path) {
		return 0, 0, ErrNotRaster
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return cfg.Width, cfg.Height, nil
}
