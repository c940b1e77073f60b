package venue

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Num decodes venue numbers sent either as JSON numbers or as strings.
// Empty strings and null decode to zero; Valid records whether a value was
// present.
type Num struct {
	Value float64
	Valid bool
}

func (n *Num) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = Num{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = Num{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			// Venues put placeholders such as "-" in optional fields.
			*n = Num{}
			return nil
		}
		*n = Num{Value: v, Valid: true}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		*n = Num{}
		return nil
	}
	*n = Num{Value: v, Valid: true}
	return nil
}

func (n Num) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(n.Value, 'f', -1, 64)), nil
}

// Float returns the value, zero when absent.
func (n Num) Float() float64 {
	return n.Value
}

// Int64 returns the value truncated to an integer.
func (n Num) Int64() int64 {
	return int64(n.Value)
}

// ParseFloat parses s, returning zero for empty or malformed input.
func ParseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseInt parses s, returning zero for empty or malformed input.
func ParseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return int64(ParseFloat(s))
	}
	return v
}
