package domain_test

import (
	"errors"
	"testing"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
)

func TestValidateAcyclic_NoCycle(t *testing.T) {
	existing := []domain.DependencyEdge{
		{TaskID: "b", DependsOn: "c"},
		{TaskID: "c", DependsOn: "d"},
	}
	if err := domain.ValidateAcyclic("a", []string{"b", "d"}, existing); err != nil {
		t.Fatalf("ValidateAcyclic returned %v, want nil", err)
	}
}

func TestValidateAcyclic_DirectCycle(t *testing.T) {
	existing := []domain.DependencyEdge{
		{TaskID: "b", DependsOn: "a"},
	}
	err := domain.ValidateAcyclic("a", []string{"b"}, existing)
	var cycleErr *domain.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("ValidateAcyclic returned %v, want DependencyCycleError", err)
	}
}

func TestValidateAcyclic_TransitiveCycle(t *testing.T) {
	existing := []domain.DependencyEdge{
		{TaskID: "b", DependsOn: "c"},
		{TaskID: "c", DependsOn: "a"},
	}
	err := domain.ValidateAcyclic("a", []string{"b"}, existing)
	var cycleErr *domain.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("ValidateAcyclic returned %v, want DependencyCycleError", err)
	}
	if len(cycleErr.Cycle) < 3 {
		t.Errorf("cycle %v too short to be a real cycle", cycleErr.Cycle)
	}
}

func TestValidateAcyclic_SelfDependency(t *testing.T) {
	err := domain.ValidateAcyclic("a", []string{"a"}, nil)
	var cycleErr *domain.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("self dependency: got %v, want DependencyCycleError", err)
	}
}

func TestValidateAcyclic_PreexistingCycleDetected(t *testing.T) {
	existing := []domain.DependencyEdge{
		{TaskID: "x", DependsOn: "y"},
		{TaskID: "y", DependsOn: "x"},
	}
	err := domain.ValidateAcyclic("a", nil, existing)
	var cycleErr *domain.DependencyCycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("corrupt edge set: got %v, want DependencyCycleError", err)
	}
}
