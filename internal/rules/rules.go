// internal/rules/rules.go
package rules

import (
	"math"

	"github.com/karchevskii/tictactoe/internal/models"
)

// Lines lists every three-in-a-row: rows, then columns, then diagonals.
var Lines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Center is the middle cell.
const Center = 4

// Corners lists the corner cells in the order they are tried.
var Corners = [4]int{0, 2, 6, 8}

// DetectOutcome returns the mark owning the first complete line, or
// models.Empty when nobody has three in a row.
func DetectOutcome(b models.Board) models.Mark {
	for _, l := range Lines {
		if m := b[l[0]]; m != models.Empty && m == b[l[1]] && m == b[l[2]] {
			return m
		}
	}
	return models.Empty
}

// ChooseUnbeatableMove searches the whole game tree and returns the best
// cell for mark. Faster wins and slower losses score higher; equal scores
// resolve to the lowest index. ok is false when the board is full.
func ChooseUnbeatableMove(b models.Board, mark models.Mark) (pos int, ok bool) {
	best := math.MinInt
	pos = -1
	for i := range b {
		if b[i] != models.Empty {
			continue
		}
		b[i] = mark
		score := -negamax(&b, mark.Opponent(), 1)
		b[i] = models.Empty
		if score > best {
			best = score
			pos = i
		}
	}
	return pos, pos >= 0
}

// negamax scores the position for toMove.
func negamax(b *models.Board, toMove models.Mark, depth int) int {
	if w := DetectOutcome(*b); w != models.Empty {
		if w == toMove {
			return 10 - depth
		}
		return depth - 10
	}
	if b.Full() {
		return 0
	}
	best := math.MinInt
	for i := range b {
		if b[i] != models.Empty {
			continue
		}
		b[i] = toMove
		score := -negamax(b, toMove.Opponent(), depth+1)
		b[i] = models.Empty
		if score > best {
			best = score
		}
	}
	return best
}

// ChooseDefensiveMove picks a cell by fixed priority: complete a line,
// block the opponent's line, center, a corner, then any empty cell.
func ChooseDefensiveMove(b models.Board, mark models.Mark) (int, bool) {
	if pos, ok := completingCell(b, mark); ok {
		return pos, true
	}
	if pos, ok := completingCell(b, mark.Opponent()); ok {
		return pos, true
	}
	if b[Center] == models.Empty {
		return Center, true
	}
	for _, c := range Corners {
		if b[c] == models.Empty {
			return c, true
		}
	}
	for i, c := range b {
		if c == models.Empty {
			return i, true
		}
	}
	return -1, false
}

// completingCell returns an empty cell that would give mark three in a row.
func completingCell(b models.Board, mark models.Mark) (int, bool) {
	for i := range b {
		if b[i] != models.Empty {
			continue
		}
		b[i] = mark
		won := DetectOutcome(b) == mark
		b[i] = models.Empty
		if won {
			return i, true
		}
	}
	return -1, false
}

// BotMove is the synthetic opponent's policy. Playing x it searches
// exhaustively and opens in the center; playing o it defends.
func BotMove(b models.Board, mark models.Mark) (int, bool) {
	if mark == models.X {
		if len(b.EmptyCells()) == models.BoardSize {
			return Center, true
		}
		return ChooseUnbeatableMove(b, mark)
	}
	return ChooseDefensiveMove(b, mark)
}
