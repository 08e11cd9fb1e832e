package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Map is a JSON object column. It is stored as JSON text so the same schema
// works on both postgres and sqlite.
type Map map[string]any

func (m Map) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	return string(b), nil
}

func (m *Map) Scan(value any) error {
	if value == nil {
		*m = nil

		return nil
	}

	var b []byte

	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Map", value)
	}

	if len(b) == 0 {
		*m = nil

		return nil
	}

	return json.Unmarshal(b, m)
}

// StringArray is a JSON array column of strings.
type StringArray []string

func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}

	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}

	return string(b), nil
}

func (a *StringArray) Scan(value any) error {
	if value == nil {
		*a = nil

		return nil
	}

	var b []byte

	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringArray", value)
	}

	if len(b) == 0 {
		*a = nil

		return nil
	}

	return json.Unmarshal(b, a)
}
