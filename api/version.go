package api

import (
	"errors"
	"fmt"
	"time"
)

// ApiVersion is a date-coded version of the workload API. Versions are ordered
// chronologically.
type ApiVersion struct {
	date time.Time
}

const apiVersionLayout = "2006-01-02"

// Known API versions.
var (
	V2018_06_28 = mustParseDate("2018-06-28")
	V2019_01_30 = mustParseDate("2019-01-30")
	V2019_10_22 = mustParseDate("2019-10-22")
	V2019_11_05 = mustParseDate("2019-11-05")
	V2020_07_07 = mustParseDate("2020-07-07")
	V2020_10_10 = mustParseDate("2020-10-10")
	V2021_12_07 = mustParseDate("2021-12-07")
	V2022_08_03 = mustParseDate("2022-08-03")
)

// KnownVersions lists the versions this server understands, oldest first.
var KnownVersions = []ApiVersion{
	V2018_06_28,
	V2019_01_30,
	V2019_10_22,
	V2019_11_05,
	V2020_07_07,
	V2020_10_10,
	V2021_12_07,
	V2022_08_03,
}

var (
	// ErrMissingApiVersion is returned when a request carries no api-version.
	ErrMissingApiVersion = errors.New("api-version not specified")

	// ErrUnknownApiVersion is returned for versions this server does not know.
	ErrUnknownApiVersion = errors.New("invalid api-version")
)

func mustParseDate(s string) ApiVersion {
	t, err := time.Parse(apiVersionLayout, s)
	if err != nil {
		panic(err)
	}
	return ApiVersion{date: t}
}

// ParseApiVersion parses a version string such as "2018-06-28". Only versions in
// KnownVersions are accepted.
func ParseApiVersion(s string) (ApiVersion, error) {
	if s == "" {
		return ApiVersion{}, ErrMissingApiVersion
	}
	t, err := time.Parse(apiVersionLayout, s)
	if err != nil {
		return ApiVersion{}, fmt.Errorf("%w: %q", ErrUnknownApiVersion, s)
	}
	v := ApiVersion{date: t}
	for _, known := range KnownVersions {
		if known.Equal(v) {
			return v, nil
		}
	}
	return ApiVersion{}, fmt.Errorf("%w: %q", ErrUnknownApiVersion, s)
}

// Compare returns -1, 0 or +1 depending on whether v is older than, equal to or
// newer than other.
func (v ApiVersion) Compare(other ApiVersion) int {
	return v.date.Compare(other.date)
}

// Equal reports whether both versions are the same.
func (v ApiVersion) Equal(other ApiVersion) bool {
	return v.date.Equal(other.date)
}

// AtLeast reports whether v is the same as or newer than min.
func (v ApiVersion) AtLeast(min ApiVersion) bool {
	return v.Compare(min) >= 0
}

// IsZero reports whether v is unset.
func (v ApiVersion) IsZero() bool {
	return v.date.IsZero()
}

// String returns the date-coded form.
func (v ApiVersion) String() string {
	return v.date.Format(apiVersionLayout)
}
