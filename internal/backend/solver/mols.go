package solver

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
)

type molsPayload struct {
	N      int        `json:"n"`
	K      int        `json:"k"`
	Method string     `json:"method"`
	Budget budgetSpec `json:"budget"`
	Seed   int64      `json:"seed"`
	Output struct {
		ReturnSquares bool `json:"return_squares"`
	} `json:"output"`
}

// SearchMOLS looks for an orthogonal mate of a random latin square of order n
// by seeded stochastic local search: candidate moves are row swaps, column
// swaps and symbol renames, accepted when they reduce the number of orthogonal
// conflicts, with a rare sideways step to escape plateaus. Only pairs (k=2)
// are supported; n=2 and n=6 are theoretical no_solution fast paths (Euler).
func SearchMOLS(ctx context.Context, task *taskdomain.Task) (taskdomain.Document, error) {
	var p molsPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, gridqerrors.NewPermanentError(err, "invalid mols payload")
	}

	if p.N <= 0 {
		return nil, gridqerrors.NewPermanentError(nil, "n must be > 0")
	}
	if p.K == 0 {
		p.K = 2
	}
	if p.K != 2 {
		return nil, gridqerrors.NewPermanentError(nil,
			fmt.Sprintf("only k=2 is supported, got k=%d", p.K))
	}

	n := p.N
	if p.K == 2 && (n == 2 || n == 6) {
		return taskdomain.Document{
			"problem":      "mols_search",
			"status":       StatusNoSolution,
			"n":            n,
			"k":            2,
			"found":        false,
			"conflicts":    n * n,
			"unique_pairs": 0,
			"notes":        "no orthogonal pair exists for n=2 or n=6",
		}, nil
	}

	p.Budget.normalize()
	deadline := p.Budget.deadline(time.Now())
	rng := rand.New(rand.NewSource(p.Seed))

	// Both squares start cyclic; random row/column/symbol permutations keep
	// them latin while decorrelating the starting point per seed.
	base := makeCyclicLatin(n)
	mate := makeCyclicLatin(n)
	permuteLatin(base, rng)
	permuteLatin(mate, rng)

	bestConflicts, bestUnique := orthogonalConflicts(base, mate)
	bestMate := copySquare(mate)

	var steps int64
	for steps < p.Budget.MaxSteps && time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		steps++

		cand := copySquare(mate)
		switch rng.Intn(3) {
		case 0:
			r1, r2 := rng.Intn(n), rng.Intn(n)
			cand[r1], cand[r2] = cand[r2], cand[r1]
		case 1:
			c1, c2 := rng.Intn(n), rng.Intn(n)
			for i := 0; i < n; i++ {
				cand[i][c1], cand[i][c2] = cand[i][c2], cand[i][c1]
			}
		case 2:
			a, b := rng.Intn(n), rng.Intn(n)
			if a != b {
				for i := 0; i < n; i++ {
					for j := 0; j < n; j++ {
						switch cand[i][j] {
						case a:
							cand[i][j] = b
						case b:
							cand[i][j] = a
						}
					}
				}
			}
		}

		conflicts, unique := orthogonalConflicts(base, cand)
		if conflicts < bestConflicts || (conflicts == bestConflicts && unique > bestUnique) {
			mate = cand
			bestConflicts, bestUnique = conflicts, unique
			bestMate = copySquare(cand)
			if bestConflicts == 0 {
				break
			}
		} else if rng.Float64() < 0.001 {
			// Sideways step: accept a non-improving candidate to move off
			// a plateau without resetting the best-so-far.
			mate = cand
		}
	}

	found := bestConflicts == 0
	status := StatusDone
	if !found {
		status = StatusTimeout
	}

	result := taskdomain.Document{
		"problem":      "mols_search",
		"status":       status,
		"n":            n,
		"k":            2,
		"found":        found,
		"conflicts":    bestConflicts,
		"unique_pairs": bestUnique,
		"steps":        steps,
	}
	if p.Output.ReturnSquares {
		result["squares"] = [][][]int{base, bestMate}
	} else {
		result["square_hashes"] = []string{hashSquare(base), hashSquare(bestMate)}
	}
	return result, nil
}

// makeCyclicLatin builds L[i][j] = (i + j) mod n, latin for every n.
func makeCyclicLatin(n int) [][]int {
	L := make([][]int, n)
	for i := 0; i < n; i++ {
		L[i] = make([]int, n)
		for j := 0; j < n; j++ {
			L[i][j] = (i + j) % n
		}
	}
	return L
}

// permuteLatin applies random row, column and symbol permutations in place.
// All three operations preserve the latin property.
func permuteLatin(L [][]int, rng *rand.Rand) {
	n := len(L)

	rp := rng.Perm(n)
	tmp := copySquare(L)
	for i := 0; i < n; i++ {
		L[i] = tmp[rp[i]]
	}

	cp := rng.Perm(n)
	for i := 0; i < n; i++ {
		row := make([]int, n)
		for j := 0; j < n; j++ {
			row[j] = L[i][cp[j]]
		}
		L[i] = row
	}

	sp := rng.Perm(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			L[i][j] = sp[L[i][j]]
		}
	}
}

// orthogonalConflicts counts how far (A,B) is from orthogonality: the pair is
// orthogonal iff superimposing them yields all n^2 distinct (a,b) pairs.
func orthogonalConflicts(A, B [][]int) (conflicts, uniquePairs int) {
	n := len(A)
	seen := make(map[int]struct{}, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			seen[A[i][j]*n+B[i][j]] = struct{}{}
		}
	}
	uniquePairs = len(seen)
	conflicts = n*n - uniquePairs
	return conflicts, uniquePairs
}

// hashSquare renders a compact fingerprint of a square for result documents
// that omit the full matrices.
func hashSquare(L [][]int) string {
	n := len(L)
	sum := 0
	flat := make([]int, 0, n*n)
	for i := 0; i < n; i++ {
		flat = append(flat, L[i]...)
	}
	for _, v := range flat {
		sum = (sum*131 + v + 1) % 1000000007
	}
	m := 12
	if len(flat) < m {
		m = len(flat)
	}
	head := make([]int, m)
	copy(head, flat[:m])
	sort.Ints(head)
	return fmt.Sprintf("n=%d sum=%d head=%v", n, sum, head)
}
