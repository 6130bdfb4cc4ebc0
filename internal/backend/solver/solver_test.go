package solver

import (
	"context"
	"testing"

	taskdomain "gridq/internal/domain/task"
	gridqerrors "gridq/internal/errors"
)

func intp(v int) *int { return &v }

func latinTask(n int, prefix [][]*int, fixFirstRow bool) *taskdomain.Task {
	payload := taskdomain.Document{
		"n":      n,
		"prefix": prefix,
		"constraints": map[string]any{
			"latin": true,
			"symmetry_breaking": map[string]any{
				"fix_first_row": fixFirstRow,
			},
		},
		"budget": map[string]any{"time_limit_sec": 5},
		"seed":   42,
	}
	return &taskdomain.Task{ID: "t-latin", TaskType: "latin_square_from_prefix", Payload: payload}
}

func TestCompleteLatinSquare_SolvesOpenPrefix(t *testing.T) {
	n := 5
	prefix := make([][]*int, n)
	for i := range prefix {
		prefix[i] = make([]*int, n)
	}
	// Fix the first row to 0..n-1, leave the rest open.
	for j := 0; j < n; j++ {
		prefix[0][j] = intp(j)
	}

	result, err := CompleteLatinSquare(context.Background(), latinTask(n, prefix, true))
	if err != nil {
		t.Fatalf("CompleteLatinSquare failed: %v", err)
	}
	if result["status"] != StatusDone {
		t.Fatalf("Expected status done, got %v", result["status"])
	}
	if result["solution_found"] != true {
		t.Error("Expected solution_found=true")
	}
	if result["verified_latin"] != true {
		t.Error("Completed square should verify as latin")
	}
	square, ok := result["square"].([][]int)
	if !ok {
		t.Fatalf("Expected square matrix in result, got %T", result["square"])
	}
	for j := 0; j < n; j++ {
		if square[0][j] != j {
			t.Errorf("First row should be preserved: got %v", square[0])
			break
		}
	}
}

func TestCompleteLatinSquare_NoSolution(t *testing.T) {
	// 2x2 with diagonal 0,0 forces a row and column conflict.
	prefix := [][]*int{
		{intp(0), nil},
		{nil, intp(0)},
	}
	result, err := CompleteLatinSquare(context.Background(), latinTask(2, prefix, false))
	if err != nil {
		t.Fatalf("CompleteLatinSquare failed: %v", err)
	}
	if result["status"] != StatusNoSolution {
		t.Errorf("Expected no_solution, got %v", result["status"])
	}
}

func TestCompleteLatinSquare_RejectsBadPrefix(t *testing.T) {
	cases := []struct {
		name   string
		n      int
		prefix [][]*int
	}{
		{"duplicate in row", 2, [][]*int{{intp(0), intp(0)}, {nil, nil}}},
		{"value out of range", 2, [][]*int{{intp(7), nil}, {nil, nil}}},
		{"wrong shape", 3, [][]*int{{nil, nil}, {nil, nil}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CompleteLatinSquare(context.Background(), latinTask(tc.n, tc.prefix, false))
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !gridqerrors.IsPermanent(err) {
				t.Errorf("Validation errors must be permanent, got %v", err)
			}
		})
	}
}

func molsTask(n int, seed int64) *taskdomain.Task {
	return &taskdomain.Task{
		ID:       "t-mols",
		TaskType: "mols_search",
		Payload: taskdomain.Document{
			"n":      n,
			"k":      2,
			"seed":   seed,
			"budget": map[string]any{"time_limit_sec": 10, "max_steps": 200000},
		},
	}
}

func TestSearchMOLS_FindsOrthogonalPairForOddN(t *testing.T) {
	// For odd n the cyclic square has an orthogonal mate; local search from a
	// random permutation finds it quickly at n=5.
	result, err := SearchMOLS(context.Background(), molsTask(5, 1))
	if err != nil {
		t.Fatalf("SearchMOLS failed: %v", err)
	}
	if result["found"] != true {
		t.Fatalf("Expected an orthogonal pair at n=5, got conflicts=%v", result["conflicts"])
	}
	if result["status"] != StatusDone {
		t.Errorf("Expected status done, got %v", result["status"])
	}
	if result["conflicts"] != 0 {
		t.Errorf("Expected zero conflicts, got %v", result["conflicts"])
	}
	if result["unique_pairs"] != 25 {
		t.Errorf("Expected 25 unique pairs, got %v", result["unique_pairs"])
	}
}

func TestSearchMOLS_EulerFastPath(t *testing.T) {
	for _, n := range []int{2, 6} {
		result, err := SearchMOLS(context.Background(), molsTask(n, 1))
		if err != nil {
			t.Fatalf("SearchMOLS(n=%d) failed: %v", n, err)
		}
		if result["status"] != StatusNoSolution {
			t.Errorf("n=%d: expected no_solution, got %v", n, result["status"])
		}
		if result["found"] != false {
			t.Errorf("n=%d: expected found=false", n)
		}
	}
}

func TestSearchMOLS_RejectsUnsupportedK(t *testing.T) {
	task := molsTask(5, 1)
	task.Payload["k"] = 3
	_, err := SearchMOLS(context.Background(), task)
	if err == nil {
		t.Fatal("Expected error for k=3")
	}
	if !gridqerrors.IsPermanent(err) {
		t.Errorf("Unsupported k must be a permanent error, got %v", err)
	}
}

func TestOrthogonalConflicts(t *testing.T) {
	A := makeCyclicLatin(3)
	conflicts, unique := orthogonalConflicts(A, A)
	// A square is never orthogonal to itself: superimposing yields only the
	// n diagonal pairs.
	if unique != 3 {
		t.Errorf("Expected 3 unique pairs for self-superimposition, got %d", unique)
	}
	if conflicts != 6 {
		t.Errorf("Expected 6 conflicts, got %d", conflicts)
	}
}
