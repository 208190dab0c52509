package protocol

import (
	"fmt"
	"strconv"
)

// BuildToc converts a group → day timestamp → written size summary to its
// wire form. JSON object keys are strings, so day timestamps are encoded
// in decimal.
func BuildToc(sizes map[string]map[uint64]int64) Toc {
	toc := make(Toc, len(sizes))
	for group, days := range sizes {
		m := make(map[string]TocEntry, len(days))
		for dst, size := range days {
			m[strconv.FormatUint(dst, 10)] = TocEntry{Size: size}
		}
		toc[group] = m
	}
	return toc
}

// Sizes converts a wire TOC back to group → day timestamp → size.
func (t Toc) Sizes() (map[string]map[uint64]int64, error) {
	out := make(map[string]map[uint64]int64, len(t))
	for group, days := range t {
		m := make(map[uint64]int64, len(days))
		for key, entry := range days {
			dst, err := strconv.ParseUint(key, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("toc: bad day timestamp %q in group %s", key, group)
			}
			m[dst] = entry.Size
		}
		out[group] = m
	}
	return out, nil
}
