package version

import (
	"fmt"
	"strconv"
	"strings"
)

// IsSupported reports whether appVersion is at least minVersion. An empty
// minVersion supports every version.
func IsSupported(appVersion, minVersion string) (bool, error) {
	if minVersion == "" {
		return true, nil
	}

	app, err := Parse(appVersion)
	if err != nil {
		return false, fmt.Errorf("invalid app version: %v", err)
	}

	min, err := Parse(minVersion)
	if err != nil {
		return false, fmt.Errorf("invalid minimum version: %v", err)
	}

	return Compare(app, min) >= 0, nil
}

// Parse reads "major[.minor[.patch]]", tolerating a leading "v" and any
// pre-release or build suffix on the last part.
func Parse(version string) ([3]int, error) {
	var out [3]int

	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return out, fmt.Errorf("empty version string")
	}

	parts := strings.Split(version, ".")
	if len(parts) > 3 {
		return out, fmt.Errorf("invalid version format")
	}

	for i, part := range parts {
		if cut := strings.IndexAny(part, "-+"); cut >= 0 {
			part = part[:cut]
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return out, fmt.Errorf("invalid version component %q: %v", part, err)
		}
		if n < 0 {
			return out, fmt.Errorf("version component cannot be negative")
		}
		out[i] = n
	}

	return out, nil
}

func Compare(a, b [3]int) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
