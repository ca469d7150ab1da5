// Package aggregate combines points into bulk upserts.
//
// A Pipeline belongs to one storage worker. Points accumulate until the
// batch threshold, a timer, or a drained queue triggers a flush. A flush
// fuses points sharing a cell into one row and hands the rows to the
// worker's connection in a single upsert.
package aggregate

import "github.com/xtxerr/voxeld/internal/storage/types"

// Fuse merges points sharing (x, y, z). The first point seen for a cell
// supplies color and timestamp; counts are summed. Output keeps the order
// of first appearance.
func Fuse(points []types.Point) []types.Point {
	if len(points) == 0 {
		return nil
	}

	index := make(map[types.CellKey]int, len(points))
	out := make([]types.Point, 0, len(points))

	for _, p := range points {
		if p.Count < 1 {
			p.Count = 1
		}
		if i, ok := index[p.Key()]; ok {
			out[i].Count += p.Count
			continue
		}
		index[p.Key()] = len(out)
		out = append(out, p)
	}
	return out
}
