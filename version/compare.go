package version

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	goversion "github.com/hashicorp/go-version"
)

// DefaultDelimiter separates the numeric components of a product version
const DefaultDelimiter = "."

// Versioned is implemented by records that carry a target version, e.g. a manifest update
type Versioned interface {
	TargetVersion() string
}

// ProductVersion is a dotted numeric version string. The integer components are parsed on first use.
type ProductVersion struct {
	Raw string

	once     sync.Once
	segments []int64
}

// NewProductVersion wraps a raw version string
func NewProductVersion(raw string) *ProductVersion {
	return &ProductVersion{Raw: raw}
}

// Segments returns the parsed numeric components of the version
func (p *ProductVersion) Segments() []int64 {
	p.once.Do(func() {
		p.segments = segments(p.Raw, DefaultDelimiter)
	})
	return p.segments
}

// Compare compares p with other, see Compare
func (p *ProductVersion) Compare(other *ProductVersion) int {
	return compareSegments(p.Segments(), other.Segments())
}

func (p *ProductVersion) String() string {
	return p.Raw
}

// Compare compares two dotted version strings numerically, component by component.
// A missing trailing component counts as zero. The result is -1, 0 or 1.
func Compare(a, b string) int {
	return compareSegments(segments(a, DefaultDelimiter), segments(b, DefaultDelimiter))
}

// CompareWith is Compare with a custom component delimiter
func CompareWith(a, b, delimiter string) int {
	return compareSegments(segments(a, delimiter), segments(b, delimiter))
}

// ToAscending reports whether a sorts before b by target version
func ToAscending[T Versioned](a, b T) bool {
	return Compare(a.TargetVersion(), b.TargetVersion()) < 0
}

// ToDescending reports whether a sorts after b by target version
func ToDescending[T Versioned](a, b T) bool {
	return Compare(a.TargetVersion(), b.TargetVersion()) > 0
}

// SortAscending sorts the records by target version, oldest first. Equal versions keep their order.
func SortAscending[T Versioned](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return ToAscending(items[i], items[j])
	})
}

// SortDescending sorts the records by target version, newest first. Equal versions keep their order.
func SortDescending[T Versioned](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return ToDescending(items[i], items[j])
	})
}

func segments(raw, delimiter string) []int64 {
	raw = strings.TrimSpace(raw)
	if delimiter == DefaultDelimiter {
		if v, err := goversion.NewVersion(raw); err == nil {
			return v.Segments64()
		}
	}
	return lenientSegments(raw, delimiter)
}

// lenientSegments takes the leading digits of every component; a component without digits is zero
func lenientSegments(raw, delimiter string) []int64 {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, delimiter)
	out := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		end := 0
		for end < len(part) && part[end] >= '0' && part[end] <= '9' {
			end++
		}
		if end == 0 {
			out = append(out, 0)
			continue
		}
		n, err := strconv.ParseInt(part[:end], 10, 64)
		if err != nil {
			n = math.MaxInt64
		}
		out = append(out, n)
	}
	return out
}

func compareSegments(a, b []int64) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	for i := 0; i < n; i++ {
		var x, y int64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
