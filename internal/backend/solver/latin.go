package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
)

type latinPayload struct {
	N            int      `json:"n"`
	PrefixFormat string   `json:"prefix_format"`
	Prefix       [][]*int `json:"prefix"`
	Constraints  struct {
		Latin            bool `json:"latin"`
		SymmetryBreaking struct {
			FixFirstRow bool `json:"fix_first_row"`
		} `json:"symmetry_breaking"`
	} `json:"constraints"`
	Budget budgetSpec `json:"budget"`
	Seed   int64      `json:"seed"`
}

// CompleteLatinSquare fills the unspecified cells of an n x n prefix so that
// every row and column becomes a permutation of 0..n-1. Cells arrive as a
// matrix of nullable ints; the search is MRV backtracking over row and column
// bitmasks with a seeded candidate order. The result document records one of
// done / no_solution / timeout plus the node count.
func CompleteLatinSquare(ctx context.Context, task *taskdomain.Task) (taskdomain.Document, error) {
	var p latinPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, gridqerrors.NewPermanentError(err, "invalid latin square payload")
	}

	if p.N <= 0 {
		return nil, gridqerrors.NewPermanentError(nil, "n must be > 0")
	}
	if p.N > 64 {
		return nil, gridqerrors.NewPermanentError(nil, "n must be <= 64")
	}
	if len(p.Prefix) != p.N {
		return nil, gridqerrors.NewPermanentError(nil, "prefix must be n x n")
	}
	for i := range p.Prefix {
		if len(p.Prefix[i]) != p.N {
			return nil, gridqerrors.NewPermanentError(nil, "prefix must be n x n")
		}
	}

	n := p.N
	board := make([][]int, n)
	for i := 0; i < n; i++ {
		board[i] = make([]int, n)
		for j := 0; j < n; j++ {
			if p.Prefix[i][j] == nil {
				board[i][j] = -1
				continue
			}
			v := *p.Prefix[i][j]
			if v < 0 || v >= n {
				return nil, gridqerrors.NewPermanentError(nil,
					fmt.Sprintf("value out of range at (%d,%d)", i, j))
			}
			board[i][j] = v
		}
	}

	if p.Constraints.SymmetryBreaking.FixFirstRow {
		seen := make([]bool, n)
		for j := 0; j < n; j++ {
			v := board[0][j]
			if v < 0 {
				return nil, gridqerrors.NewPermanentError(nil,
					"first row must be fully specified when fix_first_row=true")
			}
			if seen[v] {
				return nil, gridqerrors.NewPermanentError(nil,
					"first row must be a permutation (no duplicates)")
			}
			seen[v] = true
		}
	}

	if err := validatePartialLatin(board); err != nil {
		return nil, gridqerrors.NewPermanentError(err, "prefix is not completable")
	}

	p.Budget.normalize()
	search := &latinSearch{
		ctx:      ctx,
		n:        n,
		board:    copySquare(board),
		rowMask:  make([]uint64, n),
		colMask:  make([]uint64, n),
		deadline: p.Budget.deadline(time.Now()),
		maxNodes: p.Budget.MaxNodes,
		rng:      rand.New(rand.NewSource(p.Seed)),
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if v := search.board[i][j]; v >= 0 {
				search.rowMask[i] |= 1 << uint(v)
				search.colMask[j] |= 1 << uint(v)
			}
		}
	}

	solved := search.solve()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	status := StatusNoSolution
	switch {
	case solved:
		status = StatusDone
	case search.exhausted():
		status = StatusTimeout
	}

	result := taskdomain.Document{
		"problem":        "latin_square_from_prefix",
		"status":         status,
		"n":              n,
		"solution_found": solved,
		"verified_latin": false,
		"nodes":          search.nodes,
	}
	if solved {
		result["square"] = search.board
		result["verified_latin"] = isLatinSquare(search.board)
	}
	return result, nil
}

// validatePartialLatin rejects prefixes with a duplicate in any row or column.
func validatePartialLatin(board [][]int) error {
	n := len(board)
	for i := 0; i < n; i++ {
		seen := make([]bool, n)
		for j := 0; j < n; j++ {
			v := board[i][j]
			if v < 0 {
				continue
			}
			if seen[v] {
				return fmt.Errorf("duplicate value %d in row %d", v, i)
			}
			seen[v] = true
		}
	}
	for j := 0; j < n; j++ {
		seen := make([]bool, n)
		for i := 0; i < n; i++ {
			v := board[i][j]
			if v < 0 {
				continue
			}
			if seen[v] {
				return fmt.Errorf("duplicate value %d in col %d", v, j)
			}
			seen[v] = true
		}
	}
	return nil
}

// isLatinSquare verifies a completed board: every row and column holds each
// of 0..n-1 exactly once.
func isLatinSquare(board [][]int) bool {
	n := len(board)
	for i := 0; i < n; i++ {
		seen := make([]bool, n)
		for j := 0; j < n; j++ {
			v := board[i][j]
			if v < 0 || v >= n || seen[v] {
				return false
			}
			seen[v] = true
		}
	}
	for j := 0; j < n; j++ {
		seen := make([]bool, n)
		for i := 0; i < n; i++ {
			v := board[i][j]
			if v < 0 || v >= n || seen[v] {
				return false
			}
			seen[v] = true
		}
	}
	return true
}

// latinSearch is an MRV backtracking search over the board's empty cells.
// rowMask/colMask bit v marks value v as used in that row/column.
type latinSearch struct {
	ctx      context.Context
	n        int
	board    [][]int
	rowMask  []uint64
	colMask  []uint64
	deadline time.Time
	maxNodes int64
	nodes    int64
	rng      *rand.Rand
}

func (s *latinSearch) solve() bool {
	return s.dfs()
}

// exhausted reports whether the search stopped on budget rather than by
// proving unsatisfiability.
func (s *latinSearch) exhausted() bool {
	if s.ctx.Err() != nil {
		return true
	}
	return time.Now().After(s.deadline) || (s.maxNodes > 0 && s.nodes >= s.maxNodes)
}

func (s *latinSearch) dfs() bool {
	if s.ctx.Err() != nil || time.Now().After(s.deadline) {
		return false
	}
	if s.maxNodes > 0 && s.nodes >= s.maxNodes {
		return false
	}

	// Pick the empty cell with the fewest remaining candidates.
	iBest, jBest := -1, -1
	var candBest []int
	bestLen := math.MaxInt32
	for i := 0; i < s.n && bestLen > 1; i++ {
		for j := 0; j < s.n; j++ {
			if s.board[i][j] != -1 {
				continue
			}
			cands := s.candidates(i, j)
			if len(cands) == 0 {
				return false
			}
			if len(cands) < bestLen {
				bestLen = len(cands)
				iBest, jBest = i, j
				candBest = cands
				if bestLen == 1 {
					break
				}
			}
		}
	}

	if iBest == -1 {
		return true
	}

	s.shuffle(candBest)
	for _, v := range candBest {
		s.nodes++
		s.place(iBest, jBest, v)
		if s.dfs() {
			return true
		}
		s.unplace(iBest, jBest, v)
	}
	return false
}

func (s *latinSearch) candidates(i, j int) []int {
	used := s.rowMask[i] | s.colMask[j]
	cands := make([]int, 0, s.n)
	for v := 0; v < s.n; v++ {
		if used&(1<<uint(v)) == 0 {
			cands = append(cands, v)
		}
	}
	return cands
}

func (s *latinSearch) place(i, j, v int) {
	s.board[i][j] = v
	s.rowMask[i] |= 1 << uint(v)
	s.colMask[j] |= 1 << uint(v)
}

func (s *latinSearch) unplace(i, j, v int) {
	s.board[i][j] = -1
	s.rowMask[i] &^= 1 << uint(v)
	s.colMask[j] &^= 1 << uint(v)
}

func (s *latinSearch) shuffle(a []int) {
	for i := len(a) - 1; i > 0; i-- {
		j := s.rng.Intn(i + 1)
		a[i], a[j] = a[j], a[i]
	}
}
