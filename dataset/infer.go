package dataset

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/CopeeeTang/tabula"
)

// pandas dtype names.
const (
	TypeInt      = "int64"
	TypeFloat    = "float64"
	TypeBool     = "bool"
	TypeDatetime = "datetime64[ns]"
	TypeObject   = "object"
)

// Values pandas reads as missing by default.
var nullTokens = map[string]bool{
	"": true, "NA": true, "N/A": true, "NaN": true, "nan": true, "NULL": true,
	"null": true, "None": true, "<NA>": true, "#N/A": true, "n/a": true, "-NaN": true,
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02",
	"2006/01/02 15:04:05",
}

var (
	currencyRe = regexp.MustCompile(`^-?[$€£¥]\s?-?\d{1,3}(,\d{3})*(\.\d+)?$|^-?\d{1,3}(,\d{3})+(\.\d+)?$`)
	percentRe  = regexp.MustCompile(`^-?\d+(\.\d+)?\s?%$`)
)

// inferrer accumulates what one column's values could be.
type inferrer struct {
	name     string
	nonNull  int
	nulls    int
	distinct map[string]struct{}
	example  string

	isInt, isFloat, isBool, isDate bool
	currency, percent               int
}

func newInferrer(name string) *inferrer {
	c := &inferrer{name: name, distinct: make(map[string]struct{})}
	c.isInt, c.isFloat, c.isBool, c.isDate = true, true, true, true
	return c
}

func (c *inferrer) observe(raw string) {
	v := strings.TrimSpace(raw)
	if nullTokens[v] {
		c.nulls++
		return
	}
	c.nonNull++
	c.distinct[v] = struct{}{}
	if c.example == "" {
		c.example = v
	}
	if c.isInt {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			c.isInt = false
		}
	}
	if c.isFloat {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			c.isFloat = false
		}
	}
	if c.isBool {
		switch v {
		case "True", "False", "true", "false", "TRUE", "FALSE":
		default:
			c.isBool = false
		}
	}
	if c.isDate {
		c.isDate = parsesAsDate(v)
	}
	if currencyRe.MatchString(v) {
		c.currency++
	}
	if percentRe.MatchString(v) {
		c.percent++
	}
}

func parsesAsDate(v string) bool {
	for _, l := range dateLayouts {
		if _, err := time.Parse(l, v); err == nil {
			return true
		}
	}
	return false
}

// dtype follows pandas: integer columns with missing values become float64,
// boolean columns with missing values become object.
func (c *inferrer) dtype() string {
	switch {
	case c.nonNull == 0:
		return TypeFloat // an all-missing column reads as NaN
	case c.isInt && c.nulls == 0:
		return TypeInt
	case c.isInt, c.isFloat:
		return TypeFloat
	case c.isBool && c.nulls == 0:
		return TypeBool
	case c.isDate:
		return TypeDatetime
	default:
		return TypeObject
	}
}

func (c *inferrer) column() tabula.Column {
	return tabula.Column{
		Name:    c.name,
		Type:    c.dtype(),
		NonNull: c.nonNull,
		Unique:  len(c.distinct),
	}
}

// hint describes a text column whose values are numbers in disguise. A
// column qualifies when at least 80% of its non-missing values match.
func (c *inferrer) hint() string {
	if c.dtype() != TypeObject || c.nonNull == 0 {
		return ""
	}
	threshold := c.nonNull * 4 / 5
	if threshold == 0 {
		threshold = 1
	}
	switch {
	case c.currency >= threshold:
		return fmt.Sprintf("column %q holds currency amounts as text (e.g. %q); convert with "+
			"df[%q].str.replace(r'[^0-9.\\-]', '', regex=True).astype(float)", c.name, c.example, c.name)
	case c.percent >= threshold:
		return fmt.Sprintf("column %q holds percentages as text (e.g. %q); convert with "+
			"df[%q].str.rstrip('%%').astype(float) / 100", c.name, c.example, c.name)
	}
	return ""
}

// DateColumns returns the columns the sandbox should parse as datetimes.
func DateColumns(s tabula.Schema) []string {
	var out []string
	for _, c := range s.Columns {
		if c.Type == TypeDatetime {
			out = append(out, c.Name)
		}
	}
	return out
}
