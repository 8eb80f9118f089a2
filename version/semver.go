// Package version parses and orders the loosely formatted semantic versions
// recorded by past releases ("0", "1.3", "1.4.2", "v2.0.0-beta.1").
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// A Version is a parsed semantic version. Missing minor or patch components
// are treated as zero.
type Version struct {
	parts  [3]uint16
	suffix string
}

// String returns the string representation of the semantic version.
func (v Version) String() string {
	if v.suffix != "" {
		return fmt.Sprintf("%d.%d.%d-%s", v.parts[0], v.parts[1], v.parts[2], v.suffix)
	}
	return fmt.Sprintf("%d.%d.%d", v.parts[0], v.parts[1], v.parts[2])
}

// Suffix returns the pre-release suffix of the version.
func (v Version) Suffix() string {
	return v.suffix
}

// IsZero returns true if the version is 0.0.0 without a suffix.
func (v Version) IsZero() bool {
	return v == Version{}
}

// Cmp compares two versions.
// Returns -1 if v < b, 0 if v == b, 1 if v > b
func (v Version) Cmp(b Version) int {
	for i := range v.parts {
		switch {
		case v.parts[i] < b.parts[i]:
			return -1
		case v.parts[i] > b.parts[i]:
			return 1
		}
	}

	switch {
	case v.suffix == "" && b.suffix != "":
		return 1 // v is a release version, b is a pre-release version
	case v.suffix != "" && b.suffix == "":
		return -1 // v is a pre-release version, b is a release version
	case v.suffix != "" && b.suffix != "":
		return cmpSuffix(v.suffix, b.suffix)
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *Version) UnmarshalText(buf []byte) error {
	s := strings.TrimSpace(string(buf))
	if len(s) == 0 {
		return fmt.Errorf("empty version string")
	}
	s = strings.TrimPrefix(s, "v")

	var suffix string
	if suffixPos := strings.Index(s, "-"); suffixPos >= 0 {
		// remove optional suffix
		suffix = strings.ToLower(s[suffixPos+1:])
		s = s[:suffixPos]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return fmt.Errorf("invalid version format: %q", string(buf))
	}

	var parsed [3]uint16
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid version component %q in %q", part, string(buf))
		}
		parsed[i] = uint16(n)
	}
	v.parts = parsed
	v.suffix = suffix
	return nil
}

// Parse parses a version string.
func Parse(s string) (v Version, err error) {
	err = v.UnmarshalText([]byte(s))
	return
}

// MustParse parses a version string and panics if it is invalid. It should
// only be used for constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err) // developer error
	}
	return v
}

// Compare parses and compares two version strings.
// Returns -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, fmt.Errorf("failed to parse version %q: %w", a, err)
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, fmt.Errorf("failed to parse version %q: %w", b, err)
	}
	return va.Cmp(vb), nil
}

func cmpSuffix(a, b string) int {
	if a == b {
		return 0
	}

	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")

	switch {
	case len(aParts) != 2 && len(bParts) != 2:
		// neither suffix is in the expected format, treat them as equal
		return 0
	case len(aParts) != 2:
		return -1
	case len(bParts) != 2:
		return 1
	}

	suffixWeights := map[string]int{
		"alpha": 1,
		"beta":  2,
		"rc":    3,
	}

	splitSuffix := func(parts []string) (w, n int) {
		w, ok := suffixWeights[parts[0]]
		if !ok {
			return 0, 0 // unknown suffix, treat as less than known ones
		}
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return w, 0
		}
		return w, n
	}

	aw, an := splitSuffix(aParts)
	bw, bn := splitSuffix(bParts)

	switch {
	case aw > bw:
		return 1
	case aw < bw:
		return -1
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}
