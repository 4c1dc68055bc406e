// Package influx builds InfluxDB line protocol and ships it to an
// InfluxDB v2 or v3 write endpoint in batches.
package influx

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
)

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
	stringFieldEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// Point is one line protocol record.
type Point struct {
	Measurement string
	Tags        map[string]string
	// Fields values may be floats, signed or unsigned integers, bools or
	// strings.
	Fields map[string]any
	// Timestamp is in the target's precision. Zero leaves it to the
	// server.
	Timestamp int64
}

// Line renders p with tags and fields sorted by key.
func (p Point) Line() (string, error) {
	if p.Measurement == "" {
		return "", fmt.Errorf("point has no measurement")
	}
	if len(p.Fields) == 0 {
		return "", fmt.Errorf("point %s has no fields", p.Measurement)
	}

	var b strings.Builder
	b.WriteString(measurementEscaper.Replace(p.Measurement))

	for _, k := range slices.Sorted(maps.Keys(p.Tags)) {
		b.WriteByte(',')
		b.WriteString(keyEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(keyEscaper.Replace(p.Tags[k]))
	}

	b.WriteByte(' ')
	for i, k := range slices.Sorted(maps.Keys(p.Fields)) {
		v, err := formatField(p.Fields[k])
		if err != nil {
			return "", fmt.Errorf("field %s: %w", k, err)
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(keyEscaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(v)
	}

	if p.Timestamp != 0 {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(p.Timestamp, 10))
	}
	return b.String(), nil
}

func formatField(v any) (string, error) {
	switch v := v.(type) {
	case float64:
		return formatFloat(v)
	case float32:
		return formatFloat(float64(v))
	case int:
		return strconv.FormatInt(int64(v), 10) + "i", nil
	case int8:
		return strconv.FormatInt(int64(v), 10) + "i", nil
	case int16:
		return strconv.FormatInt(int64(v), 10) + "i", nil
	case int32:
		return strconv.FormatInt(int64(v), 10) + "i", nil
	case int64:
		return strconv.FormatInt(v, 10) + "i", nil
	case uint:
		return strconv.FormatUint(uint64(v), 10) + "u", nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10) + "u", nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10) + "u", nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10) + "u", nil
	case uint64:
		return strconv.FormatUint(v, 10) + "u", nil
	case bool:
		return strconv.FormatBool(v), nil
	case string:
		return `"` + stringFieldEscaper.Replace(v) + `"`, nil
	default:
		return "", fmt.Errorf("unsupported field type %T", v)
	}
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%v cannot be written", f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}
