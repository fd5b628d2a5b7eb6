package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"deepchat/db"
)

var (
	ErrInvalidTemperature = errors.New("temperature must be a number between 0.0 and 2.0")
	ErrInvalidMaxTokens   = errors.New("max tokens must be a whole number of at least 1")
	ErrUnknownKey         = errors.New("unknown config key")
)

func ValidateTemperature(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || !(f >= 0 && f <= 2) {
		return 0, ErrInvalidTemperature
	}
	return f, nil
}

func ValidateMaxTokens(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 0, ErrInvalidMaxTokens
	}
	return n, nil
}

// Normalize checks value for key and returns the form it should be stored in.
func Normalize(key, value string) (string, error) {
	switch key {
	case db.KeyTemperature:
		f, err := ValidateTemperature(value)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case db.KeyMaxTokens:
		n, err := ValidateMaxTokens(value)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	case db.KeyShowReasoning:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("%s must be true or false", key)
		}
		return strconv.FormatBool(b), nil
	case db.KeyAPIBase:
		value = strings.TrimSpace(value)
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			return "", fmt.Errorf("%s must be an http(s) URL", key)
		}
		return strings.TrimRight(value, "/"), nil
	}
	for _, k := range db.ConfigKeys() {
		if k == key {
			return value, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKey, key)
}

// MaskSecret hides all but the last four characters of an api key.
func MaskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}
