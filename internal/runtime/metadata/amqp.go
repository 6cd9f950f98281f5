package metadata

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// FromTable flattens AMQP headers into string metadata. The x-death array
// written by the broker on dead-lettering is summarised as DeathCount.
func FromTable(table amqp.Table) Metadata {
	md := make(Metadata, len(table))
	for k, v := range table {
		if k == "x-death" {
			md[DeathCount] = strconv.FormatInt(deathCount(v), 10)
			continue
		}
		if s, ok := headerString(v); ok {
			md[k] = s
		}
	}
	return md
}

// ToTable converts metadata into AMQP headers.
func ToTable(md Metadata) amqp.Table {
	table := make(amqp.Table, len(md))
	for k, v := range md {
		table[k] = v
	}
	return table
}

func headerString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case bool:
		return strconv.FormatBool(val), true
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	default:
		return "", false
	}
}

func deathCount(v any) int64 {
	deaths, ok := v.([]any)
	if !ok {
		return 0
	}
	var total int64
	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if !ok {
			continue
		}
		switch c := entry["count"].(type) {
		case int64:
			total += c
		case int32:
			total += int64(c)
		case int:
			total += int64(c)
		}
	}
	return total
}
