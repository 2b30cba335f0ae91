package ptr

import "time"

// FromString - get the pointer to this string
func FromString(s string) *string {
	return &s
}

// String - dereference, empty string if nil
func String(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// FromInt64 - get the pointer to this int64
func FromInt64(i int64) *int64 {
	return &i
}

// Int64 - dereference, zero if nil
func Int64(i *int64) int64 {
	if i == nil {
		return 0
	}
	return *i
}

// FromInt - get the pointer to this int
func FromInt(i int) *int {
	return &i
}

// FromFloat64 - get the pointer to this float64
func FromFloat64(f float64) *float64 {
	return &f
}

// FromBool - get the pointer to this bool
func FromBool(b bool) *bool {
	return &b
}

// FromTime - get the pointer to this time
func FromTime(t time.Time) *time.Time {
	return &t
}
