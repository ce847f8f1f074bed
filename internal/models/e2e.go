package models

import (
	"fmt"
	"strings"
)

// E2EVersion is the end-to-end encryption API version a server advertises.
type E2EVersion string

const (
	E2EVersionUnknown E2EVersion = ""
	E2EVersionV1_0    E2EVersion = "1.0"
	E2EVersionV1_1    E2EVersion = "1.1"
	E2EVersionV1_2    E2EVersion = "1.2"
	E2EVersionV2_0    E2EVersion = "2.0"
)

// ParseE2EVersion maps a capability string to a known version.
func ParseE2EVersion(s string) (E2EVersion, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	switch E2EVersion(s) {
	case E2EVersionV1_0, E2EVersionV1_1, E2EVersionV1_2, E2EVersionV2_0:
		return E2EVersion(s), nil
	case "2", "2.0.0":
		return E2EVersionV2_0, nil
	}
	return E2EVersionUnknown, fmt.Errorf("unsupported end-to-end encryption version %q", s)
}

// IsV2 reports whether the v2 metadata schema applies.
func (v E2EVersion) IsV2() bool {
	return v == E2EVersionV2_0
}

// APIPath returns the OCS API segment for this version.
func (v E2EVersion) APIPath() string {
	if v.IsV2() {
		return "v2"
	}
	return "v1"
}
