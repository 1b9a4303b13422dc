package scraper

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var priceNoise = strings.NewReplacer(
	"$", "",
	"₹", "",
	"€", "",
	"£", "",
	"¥", "",
	",", "",
	"\u00a0", "",
	" ", "",
)

// ParsePrice turns listing price text such as "$1,299.00" into a number.
// Currency symbols and thousands separators are stripped; anything else
// that does not parse as a non-negative decimal is an error.
func ParsePrice(text string) (float64, error) {
	cleaned := strings.TrimFunc(priceNoise.Replace(text), unicode.IsSpace)
	if cleaned == "" {
		return 0, errors.New("empty price")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative price %q", text)
	}

	f, _ := d.Float64()
	return f, nil
}
