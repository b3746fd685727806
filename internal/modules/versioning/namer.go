// Package versioning allocates lineage version identifiers.
//
// A version id is a path of non-negative integers separated by "_" (or "."
// in older histories): "1", "1_2", "1_2_1". Each segment is one
// branch-and-increment step from the parent.
package versioning

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// RootID is the identifier of the first version of a new family.
const RootID = "1"

// Separator joins a parent id and the child's increment.
const Separator = "_"

var versionPattern = regexp.MustCompile(`^\d+([._]\d+)*$`)

// Valid reports whether id matches the dotted/underscored integer pattern.
func Valid(id string) bool {
	return versionPattern.MatchString(id)
}

// Parent returns id without its last segment, or "" for a root id.
func Parent(id string) string {
	idx := strings.LastIndexAny(id, "._")
	if idx < 0 {
		return ""
	}
	return id[:idx]
}

// Segments splits id into its integer steps. Invalid ids yield nil.
func Segments(id string) []int {
	if !Valid(id) {
		return nil
	}
	parts := strings.FieldsFunc(id, func(r rune) bool { return r == '_' || r == '.' })
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// Depth is the number of segments in id (0 for invalid ids).
func Depth(id string) int {
	return len(Segments(id))
}

// Compare orders ids segment by segment, numerically: "1_2" < "1_10" < "2".
// Invalid ids sort after valid ones, then lexically.
func Compare(a, b string) int {
	sa, sb := Segments(a), Segments(b)
	switch {
	case sa == nil && sb == nil:
		return strings.Compare(a, b)
	case sa == nil:
		return 1
	case sb == nil:
		return -1
	}
	for i := 0; i < len(sa) && i < len(sb); i++ {
		if sa[i] != sb[i] {
			if sa[i] < sb[i] {
				return -1
			}
			return 1
		}
	}
	return len(sa) - len(sb)
}

// Namer computes the next version id for a family.
type Namer struct {
	log zerolog.Logger
}

// NewNamer creates a namer.
func NewNamer(log zerolog.Logger) *Namer {
	return &Namer{
		log: log.With().Str("component", "version_namer").Logger(),
	}
}

// Next returns the identifier for a new child of parentID that is not present
// in existing. An empty parentID starts a new root: RootID when free,
// otherwise one past the highest root-level id. A parentID outside the
// version pattern is treated as RootID for deriving the child, with a warning.
func (n *Namer) Next(parentID string, existing []string) string {
	if parentID == "" {
		if !contains(existing, RootID) {
			return RootID
		}
		return strconv.Itoa(n.next(suffixes(existing, "")))
	}

	if !Valid(parentID) {
		n.log.Warn().
			Str("parent", parentID).
			Str("fallback", RootID).
			Msg("Unparseable parent version id, deriving child from root")
		parentID = RootID
	}

	prefix := parentID + Separator
	return prefix + strconv.Itoa(n.next(suffixes(existing, prefix)))
}

// next returns one past the highest used number. When the highest is
// math.MaxInt there is no successor, so the lowest unused positive number is taken.
func (n *Namer) next(used []int) int {
	highest := 0
	for _, u := range used {
		if u > highest {
			highest = u
		}
	}
	if highest < math.MaxInt {
		return highest + 1
	}

	taken := make(map[int]bool, len(used))
	for _, u := range used {
		taken[u] = true
	}
	free := 1
	for taken[free] {
		free++
	}
	n.log.Warn().Int("number", free).Msg("Highest version number is at the integer limit, reusing a gap")
	return free
}

// suffixes returns the non-negative integers N of ids that are exactly prefix+N.
func suffixes(ids []string, prefix string) []int {
	var out []int
	for _, id := range ids {
		rest, ok := strings.CutPrefix(id, prefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			continue
		}
		out = append(out, n)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
