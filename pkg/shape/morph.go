package shape

// bitmap is a binary image
type bitmap struct {
	w, h int
	pix  []bool
}

func newBitmap(w, h int) *bitmap {
	return &bitmap{w: w, h: h, pix: make([]bool, w*h)}
}

func (b *bitmap) at(x, y int) bool {
	if x < 0 || y < 0 || x >= b.w || y >= b.h {
		return false
	}
	return b.pix[y*b.w+x]
}

func (b *bitmap) count() int {
	n := 0
	for _, v := range b.pix {
		if v {
			n++
		}
	}
	return n
}

// disk returns the offsets within radius r of the origin
func disk(r int) [][2]int {
	out := [][2]int{}
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				out = append(out, [2]int{dx, dy})
			}
		}
	}
	return out
}

// dilate sets every pixel that is within radius r of a set pixel
func dilate(b *bitmap, r int) *bitmap {
	if r <= 0 {
		return b
	}
	out := newBitmap(b.w, b.h)
	offsets := disk(r)
	for y := 0; y < b.h; y++ {
		for x := 0; x < b.w; x++ {
			if !b.pix[y*b.w+x] {
				continue
			}
			for _, o := range offsets {
				nx, ny := x+o[0], y+o[1]
				if nx >= 0 && ny >= 0 && nx < b.w && ny < b.h {
					out.pix[ny*b.w+nx] = true
				}
			}
		}
	}
	return out
}

// smooth is a majority filter over a k x k window (k odd).
// A pixel is set if more than half of its window is set. Pixels outside the bitmap count as unset.
func smooth(b *bitmap, k int) *bitmap {
	if k <= 1 {
		return b
	}
	// Summed area table, with a zero row and column in front
	sw := b.w + 1
	sat := make([]int, sw*(b.h+1))
	for y := 0; y < b.h; y++ {
		row := 0
		for x := 0; x < b.w; x++ {
			if b.pix[y*b.w+x] {
				row++
			}
			sat[(y+1)*sw+x+1] = sat[y*sw+x+1] + row
		}
	}
	r := k / 2
	out := newBitmap(b.w, b.h)
	for y := 0; y < b.h; y++ {
		y1, y2 := max(0, y-r), min(b.h, y+r+1)
		for x := 0; x < b.w; x++ {
			x1, x2 := max(0, x-r), min(b.w, x+r+1)
			n := sat[y2*sw+x2] - sat[y1*sw+x2] - sat[y2*sw+x1] + sat[y1*sw+x1]
			out.pix[y*b.w+x] = 2*n > k*k
		}
	}
	return out
}

// Moore neighbourhood, clockwise (with y pointing down), starting at west
var moore = [8][2]int{{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}}

func mooreIndex(dx, dy int) int {
	for i, d := range moore {
		if d[0] == dx && d[1] == dy {
			return i
		}
	}
	panic("not a Moore neighbour")
}

// traceBoundary returns the outer boundary of the set pixels, as a closed sequence
// of pixel coordinates (first == last). The bitmap should hold a single connected component.
func traceBoundary(b *bitmap) [][2]int {
	start := [2]int{-1, -1}
	for i, v := range b.pix {
		if v {
			start = [2]int{i % b.w, i / b.w}
			break
		}
	}
	if start[0] < 0 {
		return nil
	}

	out := [][2]int{start}
	cur := start
	back := 0 // The pixel west of the first set pixel in raster order is unset
	var first [2]int
	haveFirst := false
	for iter := 0; iter < 8*len(b.pix)+8; iter++ {
		found := -1
		for i := 1; i <= 8; i++ {
			k := (back + i) % 8
			if b.at(cur[0]+moore[k][0], cur[1]+moore[k][1]) {
				found = k
				break
			}
		}
		if found < 0 {
			// Isolated pixel
			return append(out, start)
		}
		next := [2]int{cur[0] + moore[found][0], cur[1] + moore[found][1]}
		if cur == start && haveFirst && next == first {
			break
		}
		if !haveFirst {
			first = next
			haveFirst = true
		}
		prev := moore[(found+7)%8]
		back = mooreIndex(cur[0]+prev[0]-next[0], cur[1]+prev[1]-next[1])
		cur = next
		out = append(out, cur)
	}
	if out[len(out)-1] != start {
		out = append(out, start)
	}
	return out
}
