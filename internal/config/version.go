package config

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// CurrentSchemaVersion is the newest policy schema this build reads.
const CurrentSchemaVersion = "1.1"

// SchemaVersion is a policy schema_version of the form MAJOR.MINOR. Minor
// versions only add blocks and attributes.
type SchemaVersion struct {
	Major int
	Minor int
}

// ParseVersion parses "X.Y". An empty string means the current version.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		s = CurrentSchemaVersion
	}
	maj, min, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(min, ".") {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}
	major, err := strconv.Atoi(maj)
	if err != nil || major < 0 {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", maj)
	}
	minor, err := strconv.Atoi(min)
	if err != nil || minor < 0 {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", min)
	}
	return SchemaVersion{Major: major, Minor: minor}, nil
}

func mustVersion(s string) SchemaVersion {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version as "X.Y"
func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other
func (v SchemaVersion) Compare(other SchemaVersion) int {
	if c := cmp.Compare(v.Major, other.Major); c != 0 {
		return c
	}
	return cmp.Compare(v.Minor, other.Minor)
}

// IsNewerThanBuild reports whether the policy was written for a newer minor
// version than this build understands. Such policies load with a warning.
func (v SchemaVersion) IsNewerThanBuild() bool {
	cur := mustVersion(CurrentSchemaVersion)
	return v.Major == cur.Major && v.Minor > cur.Minor
}

// IsSupportedVersion reports whether this build reads major version v.
func IsSupportedVersion(v SchemaVersion) bool {
	return v.Major == mustVersion(CurrentSchemaVersion).Major
}

// feature is a policy construct introduced after 1.0.
type feature struct {
	name  string
	since SchemaVersion
	used  func(*Policy) bool
}

var features = []feature{
	{"notify blocks", SchemaVersion{1, 1}, func(p *Policy) bool { return len(p.Notify) > 0 }},
}

// checkFeatures rejects constructs the declared schema version predates.
func checkFeatures(p *Policy, v SchemaVersion) ValidationErrors {
	var errs ValidationErrors
	for _, f := range features {
		if v.Compare(f.since) < 0 && f.used(p) {
			errs = append(errs, ValidationError{
				Field:   "schema_version",
				Message: fmt.Sprintf("%s need schema_version %s or later, policy declares %s", f.name, f.since, v),
			})
		}
	}
	return errs
}
