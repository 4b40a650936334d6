package config

import (
	"errors"
	"testing"

	"github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm"
	"github.com/merlin-platform/copywriting-evaluator/pkg/provider/llm/mock"
)

func TestRegistry_RegisterAndCreateLLM(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("stub", func(entry ProviderEntry) (llm.Provider, error) {
		return &mock.Provider{}, nil
	})

	p, err := r.CreateLLM(ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("expected a non-nil provider")
	}
}

func TestRegistry_CreateLLM_UnregisteredNameReturnsError(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateLLM(ProviderEntry{Name: "missing"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_RegisterLLM_OverwritesPreviousFactory(t *testing.T) {
	r := NewRegistry()
	r.RegisterLLM("dup", func(entry ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("first")
	})
	r.RegisterLLM("dup", func(entry ProviderEntry) (llm.Provider, error) {
		return &mock.Provider{}, nil
	})

	p, err := r.CreateLLM(ProviderEntry{Name: "dup"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p == nil {
		t.Fatal("expected the second registration to win")
	}
}
