package stitch

// unionFind over sparse uint32 ids. The root of every set is its lowest id,
// so a merge always keeps the lower-numbered survivor.
type unionFind struct {
	parent map[uint32]uint32
}

func newUnionFind() *unionFind {
	return &unionFind{parent: map[uint32]uint32{}}
}

func (u *unionFind) find(x uint32) uint32 {
	root := x
	for {
		p, ok := u.parent[root]
		if !ok || p == root {
			break
		}
		root = p
	}
	// Path compression
	for x != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

// union returns true if a and b were in different sets
func (u *unionFind) union(a, b uint32) bool {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return false
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
	if _, ok := u.parent[ra]; !ok {
		u.parent[ra] = ra
	}
	return true
}

// merged is true if x has ever been part of a union
func (u *unionFind) merged(x uint32) bool {
	_, ok := u.parent[x]
	return ok
}
