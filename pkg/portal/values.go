package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// number decodes a JSON number, a numeric string or null. The portals are
// inconsistent about quoting amounts so every numeric field goes through
// this type.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", s, err)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func (n *number) value() float64 {
	if n == nil {
		return 0
	}
	return float64(*n)
}

// text decodes a JSON string or number into its textual form, used for ids
// that are sometimes numbers and sometimes strings.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = text(n.String())
	return nil
}

// is reports if t holds the integer n, so "05" and "5" both match May.
func (t text) is(n int) bool {
	v, err := strconv.Atoi(strings.TrimSpace(string(t)))
	return err == nil && v == n
}

// truthy mirrors how the management portal's "status" field is checked: any
// of false, 0, "", null or a missing value means failure.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null", "false", "0", `""`, "0.0":
		return false
	}
	return true
}

// prefix returns the first n bytes of s, or s itself if it is shorter.
func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

// periodFromDot converts "M.YYYY" or "MM.YYYY" into "YYYY-MM".
func periodFromDot(value string) (string, error) {
	month, year, ok := strings.Cut(value, ".")
	if !ok || month == "" || year == "" {
		return "", fmt.Errorf("invalid period %q", value)
	}
	if len(month) == 1 {
		month = "0" + month
	}
	return year + "-" + month, nil
}

// invert flips a debt-positive balance into the credit-positive convention
// without producing -0.
func invert(v float64) float64 {
	if v == 0 {
		return 0
	}
	return -v
}
