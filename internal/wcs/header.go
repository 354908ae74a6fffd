package wcs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	cardSize      = 80
	cardsPerBlock = 36
	blockSize     = cardSize * cardsPerBlock
)

// ErrMissingKeyword is wrapped when a required card is absent or not numeric.
var ErrMissingKeyword = errors.New("missing WCS keyword")

// Card is one FITS header keyword record.
type Card struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Comment string `json:"comment,omitempty"`
	// Quoted marks a FITS string value, so numeric-looking strings are
	// written back as strings.
	Quoted bool `json:"quoted,omitempty"`
}

// Header is the ordered list of valued cards of a FITS header. An empty
// Header means the solver produced no solution.
type Header []Card

// Get returns the value of key (case-insensitive).
func (h Header) Get(key string) (string, bool) {
	key = strings.ToUpper(key)
	for _, c := range h {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// Float returns key as a number. FITS "D" exponents are accepted.
func (h Header) Float(key string) (float64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	v = strings.Replace(strings.TrimSpace(v), "D", "E", 1)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Int returns key as an integer.
func (h Header) Int(key string) (int, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, false
	}
	return i, true
}

func (h Header) mustFloat(key string) (float64, error) {
	f, ok := h.Float(key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingKeyword, key)
	}
	return f, nil
}

// ReadHeaderFile reads the primary header of a FITS file.
func ReadHeaderFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return ReadHeader(f)
}

// ReadHeader parses 80-byte cards until END. Pixel data is not read. A
// trailing END card with its padding stripped is accepted.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	record := make([]byte, cardSize)
	for {
		n, err := io.ReadFull(r, record)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) && strings.TrimSpace(string(record[:n])) == "END" {
				return h, nil
			}
			return nil, fmt.Errorf("reading FITS header record: %w", err)
		}
		keyword := strings.TrimSpace(string(record[:8]))
		if keyword == "END" {
			return h, nil
		}
		if keyword == "" || record[8] != '=' || record[9] != ' ' {
			continue // COMMENT, HISTORY, blank
		}
		value, comment, quoted := splitValue(string(record[10:]))
		h = append(h, Card{Key: strings.ToUpper(keyword), Value: value, Comment: comment, Quoted: quoted})
	}
}

// splitValue separates a card value from its trailing comment and reports
// whether it was a quoted string. Slashes inside quotes are part of the value.
func splitValue(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "'") {
		end := 1
		for end < len(s) {
			if s[end] == '\'' {
				if end+1 < len(s) && s[end+1] == '\'' {
					end += 2
					continue
				}
				break
			}
			end++
		}
		value := strings.ReplaceAll(strings.TrimRight(s[1:min(end, len(s))], " "), "''", "'")
		rest := ""
		if end+1 < len(s) {
			rest = s[end+1:]
		}
		return value, comment(rest), true
	}
	value, rest, _ := strings.Cut(s, "/")
	value = strings.TrimSpace(value)
	switch value {
	case "T":
		value = "True"
	case "F":
		value = "False"
	}
	return value, strings.TrimSpace(rest), false
}

func comment(rest string) string {
	_, c, _ := strings.Cut(rest, "/")
	return strings.TrimSpace(c)
}

// Encode renders the header as FITS blocks terminated by END.
func (h Header) Encode() []byte {
	var buf bytes.Buffer
	for _, c := range h {
		buf.WriteString(formatCard(c))
	}
	buf.WriteString(fmt.Sprintf("%-80s", "END"))
	if pad := buf.Len() % blockSize; pad != 0 {
		buf.Write(bytes.Repeat([]byte{' '}, blockSize-pad))
	}
	return buf.Bytes()
}

func formatCard(c Card) string {
	var value string
	switch {
	case c.Quoted:
		value = fmt.Sprintf("'%-8s'", strings.ReplaceAll(c.Value, "'", "''"))
	case c.Value == "True":
		value = fmt.Sprintf("%20s", "T")
	case c.Value == "False":
		value = fmt.Sprintf("%20s", "F")
	case isNumeric(c.Value):
		value = fmt.Sprintf("%20s", c.Value)
	default:
		value = fmt.Sprintf("'%-8s'", strings.ReplaceAll(c.Value, "'", "''"))
	}
	card := fmt.Sprintf("%-8s= %s", c.Key, value)
	if c.Comment != "" {
		card += " / " + c.Comment
	}
	if len(card) > cardSize {
		card = card[:cardSize]
	}
	return fmt.Sprintf("%-80s", card)
}

// isNumeric accepts FITS integer and real literals only. ParseFloat alone
// would also take NaN, Inf and hex floats.
func isNumeric(s string) bool {
	if s == "" || strings.Trim(s, "+-.0123456789EeDd") != "" {
		return false
	}
	_, err := strconv.ParseFloat(strings.Replace(strings.Replace(s, "D", "E", 1), "d", "e", 1), 64)
	return err == nil
}

// WriteFile stores the header as a standalone FITS header file.
func (h Header) WriteFile(path string) error {
	return os.WriteFile(path, h.Encode(), 0o644)
}
