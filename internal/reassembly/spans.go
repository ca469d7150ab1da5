package reassembly

import "sort"

// span is a half-open byte range [start, end).
type span struct {
	start, end uint32
}

// spanSet tracks which bytes of a buffer have been written.
// Spans are kept sorted, disjoint and non-adjacent.
type spanSet []span

// add marks [start, end) as written and returns the sub-ranges that were
// not covered before, in ascending order.
func (s *spanSet) add(start, end uint32) []span {
	if start >= end {
		return nil
	}
	cur := *s

	// first span whose end reaches start; adjacent spans merge too
	i := sort.Search(len(cur), func(k int) bool { return cur[k].end >= start })

	var gaps []span
	pos := start
	j := i
	for j < len(cur) && cur[j].start <= end {
		if cur[j].start > pos {
			gaps = append(gaps, span{pos, cur[j].start})
		}
		if cur[j].end > pos {
			pos = cur[j].end
		}
		j++
	}
	if pos < end {
		gaps = append(gaps, span{pos, end})
	}

	merged := span{start, end}
	if i < j {
		merged.start = min(merged.start, cur[i].start)
		merged.end = max(merged.end, cur[j-1].end)
	}

	// replace cur[i:j] with merged
	out := make(spanSet, 0, len(cur)-(j-i)+1)
	out = append(out, cur[:i]...)
	out = append(out, merged)
	out = append(out, cur[j:]...)
	*s = out

	return gaps
}

// covers reports whether the set is exactly [0, total).
func (s spanSet) covers(total uint32) bool {
	return len(s) == 1 && s[0].start == 0 && s[0].end == total
}

// written returns the number of distinct bytes recorded.
func (s spanSet) written() uint64 {
	var n uint64
	for _, sp := range s {
		n += uint64(sp.end - sp.start)
	}
	return n
}
