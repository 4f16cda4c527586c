package infer

import (
	"math"
	"strconv"
)

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	}
	return 0
}

func isIntegral(f float64) bool { return f == math.Trunc(f) && !math.IsInf(f, 0) }
