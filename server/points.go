package server

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/royalcat/geocluster/geomodel"
)

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r'
}

func skipSpace(data []byte, i int) int {
	for i < len(data) && isSpace(data[i]) {
		i++
	}
	return i
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}

// decodePoints parses a compact [[lat, lon], ...] body into anonymous
// markers identified by their position ("p0", "p1", ...).
func decodePoints(data []byte, result *[]geomodel.Marker) error {
	n := len(data)
	*result = slices.Grow(*result, n/16)

	i := skipSpace(data, 0)
	if i >= n || data[i] != '[' {
		return fmt.Errorf("invalid format: expected '['")
	}
	i = skipSpace(data, i+1)
	if i < n && data[i] == ']' {
		return nil
	}

	for {
		if i >= n || data[i] != '[' {
			return fmt.Errorf("invalid format: expected '[' at offset %d", i)
		}
		i++

		var point [2]float64
		for j := range point {
			i = skipSpace(data, i)
			start := i
			for i < n && isNumberByte(data[i]) {
				i++
			}
			num, err := strconv.ParseFloat(string(data[start:i]), 64)
			if err != nil {
				return fmt.Errorf("invalid number at offset %d: %w", start, err)
			}
			point[j] = num

			i = skipSpace(data, i)
			if j == 0 {
				if i >= n || data[i] != ',' {
					return fmt.Errorf("invalid format: expected ',' between coordinates")
				}
				i++
			}
		}

		if i >= n || data[i] != ']' {
			return fmt.Errorf("invalid format: expected ']' at end of point")
		}
		i = skipSpace(data, i+1)

		*result = append(*result, geomodel.Marker{
			ID:  "p" + strconv.Itoa(len(*result)),
			Lat: point[0],
			Lon: point[1],
		})

		if i < n && data[i] == ',' {
			i = skipSpace(data, i+1)
			continue
		}
		if i < n && data[i] == ']' {
			return nil
		}
		return fmt.Errorf("invalid format: expected ',' or ']' at offset %d", i)
	}
}
