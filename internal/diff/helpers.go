package diff

import (
	"bytes"
	"slices"
)

// maxEditDistance bounds the Myers search. Inputs whose middle section needs
// more edits than this are reported as a wholesale replacement of that
// section.
const maxEditDistance = 2048

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// MatchLines maps every line of newContent to the 1-based number of the line
// in oldContent it was carried over from, or 0 when the line was added.
func MatchLines(oldContent, newContent []byte) []int {
	newLines := splitLines(newContent)
	matches := make([]int, len(newLines))
	for _, l := range editScript(splitLines(oldContent), newLines) {
		if l.Type == Context {
			matches[l.NewNum-1] = l.OldNum
		}
	}
	return matches
}

// editScript returns every line of both sides in order, tagged as context,
// addition or deletion. Deletions come before the additions that replace
// them.
func editScript(oldLines, newLines [][]byte) []Line {
	n, m := len(oldLines), len(newLines)

	pre := 0
	for pre < n && pre < m && bytes.Equal(oldLines[pre], newLines[pre]) {
		pre++
	}
	suf := 0
	for suf < n-pre && suf < m-pre && bytes.Equal(oldLines[n-1-suf], newLines[m-1-suf]) {
		suf++
	}

	script := make([]Line, 0, max(n, m))
	for i := 0; i < pre; i++ {
		script = append(script, Line{Type: Context, Content: string(oldLines[i]), OldNum: i + 1, NewNum: i + 1})
	}

	oldMid, newMid := oldLines[pre:n-suf], newLines[pre:m-suf]
	if len(oldMid) > 0 && len(newMid) > 0 {
		script = append(script, myersScript(oldMid, newMid, pre)...)
	} else {
		script = append(script, replaceAll(oldMid, newMid, pre)...)
	}

	for i := suf; i > 0; i-- {
		oi, ni := n-i, m-i
		script = append(script, Line{Type: Context, Content: string(oldLines[oi]), OldNum: oi + 1, NewNum: ni + 1})
	}
	return script
}

// replaceAll deletes every old line and adds every new one. off is the
// number of lines already consumed on both sides.
func replaceAll(oldLines, newLines [][]byte, off int) []Line {
	script := make([]Line, 0, len(oldLines)+len(newLines))
	for i, l := range oldLines {
		script = append(script, Line{Type: Deletion, Content: string(l), OldNum: off + i + 1, NewNum: off})
	}
	for j, l := range newLines {
		script = append(script, Line{Type: Addition, Content: string(l), OldNum: off + len(oldLines), NewNum: off + j + 1})
	}
	return script
}

func myersScript(oldLines, newLines [][]byte, off int) []Line {
	ids := make(map[string]int)
	intern := func(lines [][]byte) []int {
		out := make([]int, len(lines))
		for i, l := range lines {
			id, ok := ids[string(l)]
			if !ok {
				id = len(ids)
				ids[string(l)] = id
			}
			out[i] = id
		}
		return out
	}
	a, b := intern(oldLines), intern(newLines)

	trace, ok := shortestEdit(a, b, maxEditDistance)
	if !ok {
		return replaceAll(oldLines, newLines, off)
	}

	var script []Line
	x, y := len(a), len(b)
	for d := len(trace) - 1; d >= 0; d-- {
		v := trace[d]
		at := func(k int) int { return int(v[k+d+1]) }

		k := x - y
		var prevK int
		if k == -d || (k != d && at(k-1) < at(k+1)) {
			prevK = k + 1
		} else {
			prevK = k - 1
		}
		prevX := at(prevK)
		prevY := prevX - prevK

		for x > prevX && y > prevY {
			x--
			y--
			script = append(script, Line{Type: Context, Content: string(oldLines[x]), OldNum: off + x + 1, NewNum: off + y + 1})
		}
		if d == 0 {
			break
		}
		if x == prevX {
			y--
			script = append(script, Line{Type: Addition, Content: string(newLines[y]), OldNum: off + x, NewNum: off + y + 1})
		} else {
			x--
			script = append(script, Line{Type: Deletion, Content: string(oldLines[x]), OldNum: off + x + 1, NewNum: off + y})
		}
		x, y = prevX, prevY
	}
	slices.Reverse(script)
	return script
}

// shortestEdit runs the greedy Myers search and returns, for every edit
// distance d tried, the furthest-reaching x per diagonal k in [-d-1, d+1]
// as it stood before step d. It gives up once d exceeds limit.
func shortestEdit(a, b []int, limit int) ([][]int32, bool) {
	n, m := len(a), len(b)
	bound := min(n+m, limit)
	off := bound + 1
	v := make([]int32, 2*off+1)

	var trace [][]int32
	for d := 0; d <= bound; d++ {
		trace = append(trace, slices.Clone(v[off-d-1:off+d+2]))
		for k := -d; k <= d; k += 2 {
			var x int
			if k == -d || (k != d && v[off+k-1] < v[off+k+1]) {
				x = int(v[off+k+1])
			} else {
				x = int(v[off+k-1]) + 1
			}
			y := x - k
			for x < n && y < m && a[x] == b[y] {
				x++
				y++
			}
			v[off+k] = int32(x)
			if x == n && y == m {
				return trace, true
			}
		}
	}
	return trace, false
}
