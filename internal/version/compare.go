package version

import (
	"strconv"
	"strings"
)

// Greater reports whether a is strictly newer than b. Comparison is purely
// numeric on dot-separated components, left to right; missing trailing
// components count as zero. Non-numeric components count as zero as well,
// so malformed input never panics.
func Greater(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av := component(as, i)
		bv := component(bs, i)
		if av != bv {
			return av > bv
		}
	}
	return false
}

func component(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(parts[i]))
	if err != nil {
		return 0
	}
	return v
}

// Newest returns the highest version in vs, or "" for an empty list.
func Newest(vs []string) string {
	newest := ""
	for _, v := range vs {
		if newest == "" || Greater(v, newest) {
			newest = v
		}
	}
	return newest
}

// MajorMinor reduces a version string to its first two components, the
// granularity used for on-disk version directory names.
func MajorMinor(v string) string {
	parts := strings.Split(v, ".")
	if len(parts) >= 2 {
		return parts[0] + "." + parts[1]
	}
	return parts[0]
}

// Contains reports membership of v in vs.
func Contains(vs []string, v string) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}
