package shared

import (
	"fmt"
	"os"
	"strconv"
)

const Version = "0.1.0"

type GetenvParser[T any] func(raw string) (T, error)

func GetenvString(raw string) (string, error) {
	return raw, nil
}

func GetenvInt(raw string) (int, error) {
	return strconv.Atoi(raw)
}

// Getenv reads and parses an environment variable. A required variable that
// is unset is an error; an optional one falls back to the default.
func Getenv[T any](parse GetenvParser[T], key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return fallback, fmt.Errorf("environment variable %s is required", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		return fallback, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv for values the process cannot start without.
func MustGetenv[T any](parse GetenvParser[T], key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
