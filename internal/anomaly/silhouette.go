package anomaly

// silhouette scores a binary partition of rows (flagged vs normal) by
// cohesion and separation in feature space. Returns -1 for degenerate
// partitions (one side empty), so they always lose selection.
func silhouette(x [][]float64, flagged []bool) float64 {
	var nFlagged int
	for _, f := range flagged {
		if f {
			nFlagged++
		}
	}
	if nFlagged == 0 || nFlagged == len(x) {
		return -1
	}

	var total float64
	for i := range x {
		a := meanDistTo(x, i, flagged, flagged[i])  // own cluster
		b := meanDistTo(x, i, flagged, !flagged[i]) // other cluster
		// Singleton cluster: convention is 0.
		if a < 0 {
			continue
		}
		max := a
		if b > max {
			max = b
		}
		if max > 0 {
			total += (b - a) / max
		}
	}
	return total / float64(len(x))
}

// meanDistTo is the mean distance from row i to every other row whose flag
// equals side. Returns -1 when no such row exists.
func meanDistTo(x [][]float64, i int, flagged []bool, side bool) float64 {
	var sum float64
	var n int
	for j := range x {
		if j == i || flagged[j] != side {
			continue
		}
		sum += euclid(x[i], x[j])
		n++
	}
	if n == 0 {
		return -1
	}
	return sum / float64(n)
}
