package use_case

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/trunov/secondhand/internal/entities"
)

// ParsePrice turns the submitted price text into a price. Blank means no
// price. Anything that is not a finite, non-negative number is rejected.
func ParsePrice(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, entities.NewError(entities.KindValidation, fmt.Sprintf("price %q is not a number", raw), err)
	}
	if v < 0 {
		return nil, entities.NewError(entities.KindValidation, "price must not be negative", nil)
	}
	return &v, nil
}
