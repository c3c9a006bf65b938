package domain

import (
	"sort"
	"strconv"
	"strings"
)

// CompareVersions orders free-form version codes using relaxed
// dotted-numeric comparison: codes are split on ".", numeric segments
// compare numerically, non-numeric segments compare lexically, and the
// shorter code is padded with zero segments ("1.2" == "1.2.0").
// Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}

		na, aErr := strconv.Atoi(sa)
		nb, bErr := strconv.Atoi(sb)
		if aErr == nil && bErr == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}

		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SortVersionsDesc sorts versions newest-first. The sort is stable so that
// equal codes keep creation order.
func SortVersionsDesc(versions []*PackageVersion) {
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i].VersionCode, versions[j].VersionCode) > 0
	})
}
