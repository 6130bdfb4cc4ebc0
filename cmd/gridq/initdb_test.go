package main

import (
	"context"
	"testing"

	taskdomain "gridq/internal/domain/task"
	"gridq/internal/infra/store"
)

func TestSeedDemoTasks(t *testing.T) {
	s := store.NewMemoryStore()

	count, err := seedDemoTasks(context.Background(), s, 4, "run-1")
	if err != nil {
		t.Fatalf("seedDemoTasks failed: %v", err)
	}
	if count != 10 {
		t.Fatalf("Expected 4 demo + 3 latin + 3 mols rows, got %d", count)
	}

	tasks, err := s.List(context.Background(), taskdomain.Filter{RunID: "run-1", Limit: 100})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	byType := map[string]int{}
	for _, task := range tasks {
		byType[task.TaskType]++
		switch task.TaskType {
		case "latin_square_from_prefix":
			if task.Priority != 50 {
				t.Errorf("Latin rows should seed at priority 50, got %d", task.Priority)
			}
		case "mols_search":
			if task.Priority != 100 {
				t.Errorf("MOLS rows should seed at priority 100, got %d", task.Priority)
			}
		}
	}
	if byType["demo_sleep"] != 4 || byType["latin_square_from_prefix"] != 3 || byType["mols_search"] != 3 {
		t.Errorf("Unexpected seed mix: %v", byType)
	}
}

func TestFirstRowPrefix(t *testing.T) {
	rows := firstRowPrefix(5)
	if len(rows) != 5 {
		t.Fatalf("Expected 5 rows, got %d", len(rows))
	}
	first := rows[0].([]any)
	for j, v := range first {
		if v != j {
			t.Errorf("First row must be the identity permutation, got %v at %d", v, j)
		}
	}
	second := rows[1].([]any)
	for j, v := range second {
		if v != nil {
			t.Errorf("Unspecified cells must be nil, got %v at %d", v, j)
		}
	}
}
