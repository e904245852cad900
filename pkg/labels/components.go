package labels

// Components labels the 4-connected components of a binary mask.
// Ids are assigned 1,2,3... in raster order of each component's first pixel.
// Returns the label array and the number of components.
func Components(mask []bool, width, height int) (*Array, int) {
	out := New(width, height)
	next := uint32(0)
	stack := []int{}
	for start, on := range mask {
		if !on || out.Pix[start] != Background {
			continue
		}
		next++
		out.Pix[start] = next
		stack = append(stack[:0], start)
		for len(stack) != 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%width, p/width
			for _, d := range neighbours4 {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= width || ny >= height {
					continue
				}
				np := ny*width + nx
				if mask[np] && out.Pix[np] == Background {
					out.Pix[np] = next
					stack = append(stack, np)
				}
			}
		}
	}
	return out, int(next)
}

// Largest returns a mask of the component with the most pixels.
// Ties are broken by the lower component id.
func Largest(mask []bool, width, height int) []bool {
	comp, n := Components(mask, width, height)
	if n <= 1 {
		return mask
	}
	counts := make([]int, n+1)
	for _, v := range comp.Pix {
		counts[v]++
	}
	best := uint32(1)
	for id := 2; id <= n; id++ {
		if counts[id] > counts[best] {
			best = uint32(id)
		}
	}
	out := make([]bool, len(mask))
	for i, v := range comp.Pix {
		out[i] = v == best
	}
	return out
}
