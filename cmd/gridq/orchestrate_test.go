package main

import (
	"testing"

	"gridq/internal/shared/config"
)

func TestBuildBackend_Local(t *testing.T) {
	be, target, err := buildBackend("local", "", config.Config{}, nil)
	if err != nil {
		t.Fatalf("buildBackend failed: %v", err)
	}
	if be.Name() != "local" || be.Detached() {
		t.Errorf("Expected the sync local backend, got %s detached=%t", be.Name(), be.Detached())
	}
	if target != nil {
		t.Errorf("Local orchestrators claim untargeted rows, got filter %q", *target)
	}
}

func TestBuildBackend_SlurmRequiresEnv(t *testing.T) {
	if _, _, err := buildBackend("slurm", "", config.Config{}, nil); err == nil {
		t.Error("Slurm without SLURM_TASK_DIR should be a fatal misconfiguration")
	}
}

func TestBuildBackend_BoincTargetsItself(t *testing.T) {
	cfg := config.Config{ResultBaseURL: "http://localhost:8112", ResultSecret: "s"}
	be, target, err := buildBackend("boinc", "", cfg, nil)
	if err != nil {
		t.Fatalf("buildBackend failed: %v", err)
	}
	if !be.Detached() || target == nil || *target != "boinc" {
		t.Errorf("Boinc should be detached and claim its own pool, got %v", target)
	}
}

func TestBuildBackend_Unknown(t *testing.T) {
	if _, _, err := buildBackend("k8s", "", config.Config{}, nil); err == nil {
		t.Error("Unknown backend names should be rejected")
	}
}
