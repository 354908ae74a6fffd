// Package catalog resolves object names through the SIMBAD TAP service.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"log/slog"

	"resty.dev/v3"

	"platesolver/internal/config"
	"platesolver/internal/wcs"
)

var (
	// ErrNotFound means the service answered but no object matched.
	ErrNotFound = errors.New("object not found in catalog")
	// ErrTransport covers network failures, non-2xx replies and unreadable bodies.
	ErrTransport = errors.New("catalog service unavailable")
)

// columns selected from the basic table, in display order.
var columns = []string{"main_id", "ra", "dec", "otype", "sp_type", "plx_value", "pmra", "pmdec", "rvz_radvel"}

// Field is one named value of a catalog entry.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entry is the catalog record for a resolved name.
type Entry struct {
	Name        string  `json:"name"`
	Fields      []Field `json:"fields"`
	RA          float64 `json:"ra,omitempty"`
	Dec         float64 `json:"dec,omitempty"`
	HasPosition bool    `json:"has_position"`
}

// Position returns the ICRS position when the catalog has one.
func (e Entry) Position() (wcs.SkyCoord, bool) {
	if !e.HasPosition {
		return wcs.SkyCoord{}, false
	}
	return wcs.SkyCoord{RA: e.RA, Dec: e.Dec, Frame: wcs.ICRS}, true
}

// Client queries SIMBAD over TAP.
type Client struct {
	http          *resty.Client
	searchURL     string
	identifierURL string
	log           *slog.Logger
}

// New builds a client from the catalog config section.
func New(cfg config.Catalog, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(cfg.TAPURL, "/")).
			SetTimeout(cfg.HTTPTimeout),
		searchURL:     cfg.SearchURL,
		identifierURL: cfg.IdentifierURL,
		log:           logger,
	}
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.http.Close()
}

// SearchURL is the basic-search page offered after a lookup.
func (c *Client) SearchURL() string { return c.searchURL }

// FallbackURL is the identifier page for name, opened when a lookup fails.
func (c *Client) FallbackURL(name string) string {
	return strings.ReplaceAll(c.identifierURL, "{name}", url.QueryEscape(strings.TrimSpace(name)))
}

// Query builds the ADQL used by Lookup.
func Query(name string) string {
	cols := make([]string, len(columns))
	for i, col := range columns {
		cols[i] = "basic." + col
	}
	escaped := strings.ReplaceAll(strings.TrimSpace(name), "'", "''")
	return fmt.Sprintf("SELECT TOP 1 %s FROM basic JOIN ident ON ident.oidref = basic.oid WHERE ident.id = '%s'",
		strings.Join(cols, ", "), escaped)
}

// Lookup resolves name. Errors match ErrNotFound or ErrTransport.
func (c *Client) Lookup(ctx context.Context, name string) (Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, fmt.Errorf("%w: empty name", ErrNotFound)
	}
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"request": "doQuery",
			"lang":    "adql",
			"format":  "json",
			"query":   Query(name),
		}).
		Get("/sync")
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if res.IsError() {
		return Entry{}, fmt.Errorf("%w: HTTP %d", ErrTransport, res.StatusCode())
	}

	var reply struct {
		Metadata []struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Data [][]any `json:"data"`
	}
	dec := json.NewDecoder(strings.NewReader(res.String()))
	dec.UseNumber()
	if err := dec.Decode(&reply); err != nil {
		return Entry{}, fmt.Errorf("%w: decoding reply: %w", ErrTransport, err)
	}
	if len(reply.Data) == 0 {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	entry := Entry{Name: name}
	row := reply.Data[0]
	var haveRA, haveDec bool
	for i, meta := range reply.Metadata {
		if i >= len(row) || row[i] == nil {
			continue
		}
		value := formatValue(row[i])
		switch meta.Name {
		case "main_id":
			entry.Name = value
		case "ra":
			entry.RA, haveRA = parseFloat(row[i])
		case "dec":
			entry.Dec, haveDec = parseFloat(row[i])
		}
		entry.Fields = append(entry.Fields, Field{Name: meta.Name, Value: value})
	}
	entry.HasPosition = haveRA && haveDec
	c.log.Debug("catalog lookup", "name", name, "main_id", entry.Name, "fields", len(entry.Fields))
	return entry, nil
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func parseFloat(v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	return f, err == nil
}
