package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-bridge/internal/catalog"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

func openaiModel(id int64, updatedAt time.Time) catalog.Model {
	return catalog.Model{
		ID:          id,
		Name:        "gpt-4o",
		ServiceType: catalog.ServiceOpenAI,
		APIKey:      "sk-test",
		Enabled:     true,
		UpdatedAt:   updatedAt,
	}
}

func TestFor_CachesUntilConfigurationChanges(t *testing.T) {
	r := New()
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	first, err := r.For(ctx, openaiModel(1, at))
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	again, err := r.For(ctx, openaiModel(1, at))
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if first != again {
		t.Error("expected cached adapter for unchanged configuration")
	}

	rebuilt, err := r.For(ctx, openaiModel(1, at.Add(time.Minute)))
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if rebuilt == first {
		t.Error("expected new adapter after configuration update")
	}
}

func TestFor_BuildsEveryServiceType(t *testing.T) {
	r := New()
	ctx := context.Background()

	for i, st := range catalog.ServiceTypes {
		m := catalog.Model{
			ID:          int64(i + 1),
			Name:        "model-" + string(st),
			ServiceType: st,
			APIKey:      "key",
			BaseURL:     "http://127.0.0.1:9999/v1",
			Enabled:     true,
			UpdatedAt:   time.Now(),
		}
		if _, err := r.For(ctx, m); err != nil {
			t.Errorf("For(%s): %v", st, err)
		}
	}
}

func TestFor_UnknownServiceType(t *testing.T) {
	r := New()
	m := catalog.Model{ID: 1, Name: "x", ServiceType: "carrier_pigeon"}
	if _, err := r.For(context.Background(), m); err == nil {
		t.Fatal("expected error for unknown service type")
	}
}

func TestNonePlaceholder(t *testing.T) {
	r := New()
	ctx := context.Background()
	m := catalog.Model{ID: 1, Name: "reserved", ServiceType: catalog.ServiceNone, Enabled: true}

	p, err := r.For(ctx, m)
	if err != nil {
		t.Fatalf("For: %v", err)
	}

	models, err := p.ListModels(ctx)
	if err != nil || len(models) != 0 {
		t.Errorf("ListModels = %v, %v, want empty, nil", models, err)
	}
	if err := p.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	_, err = p.Chat(ctx, &providers.ChatRequest{Model: "reserved"})
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("Chat error = %v, want *providers.Error", err)
	}
	if perr.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want 502", perr.StatusCode)
	}
}

func TestPrune_DropsRemovedConfigurations(t *testing.T) {
	r := New()
	ctx := context.Background()
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	kept := openaiModel(1, at)
	removed := openaiModel(2, at)

	keptAdapter, err := r.For(ctx, kept)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	removedAdapter, err := r.For(ctx, removed)
	if err != nil {
		t.Fatalf("For: %v", err)
	}

	r.Prune(catalog.NewSnapshot([]catalog.Model{kept}))

	again, err := r.For(ctx, kept)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if again != keptAdapter {
		t.Error("surviving configuration should keep its cached adapter")
	}

	rebuilt, err := r.For(ctx, removed)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if rebuilt == removedAdapter {
		t.Error("pruned configuration should get a fresh adapter")
	}
}
