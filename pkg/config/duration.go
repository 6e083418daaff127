package config

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrInvalidDuration = errors.New("invalid duration")
)

// Duration is a time.Duration written as a string such as "1m30s" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Join(ErrInvalidDuration, err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Join(ErrInvalidDuration, err)
	}

	*d = Duration(parsed)

	return nil
}
