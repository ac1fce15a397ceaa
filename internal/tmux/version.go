package tmux

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MinVersion is the oldest tmux whose new-session accepts a start command
// together with -c.
var MinVersion = Version{Major: 2, Minor: 4}

// Version is the release reported by `tmux -V`.
type Version struct {
	Major int
	Minor int

	// Patch is the letter suffix of maintenance releases ("a" in 3.3a).
	Patch string

	// Channel is "next" for development builds and "openbsd" for the
	// OpenBSD base system, whose number is the OS release.
	Channel string
}

var versionPattern = regexp.MustCompile(`^(?:tmux\s+)?(?:(next|openbsd)-)?(\d+)(?:\.(\d+))?([a-z]*)$`)

// ParseVersion parses `tmux -V` output such as "tmux 3.3a", "tmux next-3.5"
// or a bare "3.1".
func ParseVersion(output string) (Version, error) {
	text := strings.TrimSpace(output)
	m := versionPattern.FindStringSubmatch(text)
	if m == nil {
		return Version{}, fmt.Errorf("unrecognized tmux version %q", text)
	}

	v := Version{Channel: m[1], Patch: m[4]}
	v.Major, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Minor, _ = strconv.Atoi(m[3])
	}
	return v, nil
}

// AtLeast reports whether v is min or newer. OpenBSD builds track the base
// system and always qualify.
func (v Version) AtLeast(min Version) bool {
	if v.Channel == "openbsd" {
		return true
	}
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	return v.Minor >= min.Minor
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d%s", v.Major, v.Minor, v.Patch)
	if v.Channel != "" {
		s = v.Channel + "-" + s
	}
	return s
}
