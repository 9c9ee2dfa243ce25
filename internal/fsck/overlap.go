package fsck

import (
	"sort"

	"github.com/s0up4200/go-udftools/internal/volume"
)

type claimant struct {
	run  volume.Run
	node int // -1 for volume structures
}

type pairKey struct {
	a, b int
	ref  uint16
}

// pass1b pairs up every two claimants of a common block. Pass 1 only knows
// that a block was taken twice; this sweep names both owners.
func (ch *Checker) pass1b() {
	var all []claimant
	for _, r := range ch.ctx.FixedClaims() {
		all = append(all, claimant{run: r, node: -1})
	}
	for i, n := range ch.a.nodes {
		for _, r := range n.claims {
			if r.Count > 0 {
				all = append(all, claimant{run: r, node: i})
			}
		}
	}
	sort.SliceStable(all, func(x, y int) bool {
		if all[x].run.Ref != all[y].run.Ref {
			return all[x].run.Ref < all[y].run.Ref
		}
		return all[x].run.Start < all[y].run.Start
	})

	seen := make(map[pairKey]int)
	var active []claimant
	for _, x := range all {
		live := active[:0]
		for _, y := range active {
			if y.run.Ref == x.run.Ref && y.run.End() > x.run.Start {
				live = append(live, y)
			}
		}
		active = live
		for _, y := range active {
			start, end := x.run.Start, min(x.run.End(), y.run.End())
			k := pairKey{a: min(x.node, y.node), b: max(x.node, y.node), ref: x.run.Ref}
			if idx, ok := seen[k]; ok {
				ch.report.Overlaps[idx].Blocks += end - start
				continue
			}
			seen[k] = len(ch.report.Overlaps)
			ch.report.Overlaps = append(ch.report.Overlaps, Overlap{
				First:     ch.a.path(k.a),
				Second:    ch.a.path(k.b),
				Partition: k.ref,
				Start:     start,
				Blocks:    end - start,
			})
			for _, i := range []int{k.a, k.b} {
				if i >= 0 {
					ch.a.nodes[i].Facts.Overlap = true
				}
			}
		}
		active = append(active, x)
	}
}
