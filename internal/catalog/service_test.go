package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nulpointcorp/llm-bridge/internal/secrets"
	"github.com/nulpointcorp/llm-bridge/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"), log)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	svc := New(st, secrets.NewCipher("test-master-key"), log)
	if _, err := svc.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return svc, st
}

func testInput(name string) Input {
	return Input{
		Name:          name,
		ServiceType:   ServiceOpenAICompatible,
		BaseURL:       "http://127.0.0.1:8081/v1",
		APIKey:        "sk-test-1234567890",
		Enabled:       true,
		ShowOnGeneral: true,
		ShowOnSpecial: true,
	}
}

func TestCreateResolveRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created, err := svc.Create(ctx, testInput("local-llama"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == 0 {
		t.Error("created model has zero id")
	}
	if created.APIKey != "sk-test-1234567890" {
		t.Errorf("decrypted key = %q", created.APIKey)
	}

	m, ok := svc.Snapshot().Resolve("local-llama")
	if !ok {
		t.Fatal("Resolve missed created model")
	}
	if m.ServiceType != ServiceOpenAICompatible || m.ResolvedBaseURL() != "http://127.0.0.1:8081/v1" {
		t.Errorf("resolved model = %+v", m)
	}
}

func TestKeyIsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	created, err := svc.Create(ctx, testInput("m"))
	if err != nil {
		t.Fatal(err)
	}

	row, err := st.GetConfig(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.APIKey == "" || row.APIKey == "sk-test-1234567890" {
		t.Errorf("stored key is not ciphertext: %q", row.APIKey)
	}
}

func TestResolveSkipsDisabled(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	in := testInput("dark")
	in.Enabled = false
	if _, err := svc.Create(ctx, in); err != nil {
		t.Fatal(err)
	}

	if _, ok := svc.Snapshot().Resolve("dark"); ok {
		t.Error("Resolve returned a disabled configuration")
	}
	// Admin view still sees it.
	if svc.Snapshot().Len() != 1 {
		t.Error("disabled configuration missing from snapshot")
	}
}

func TestVisibleOnFiltersPerEndpoint(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	everywhere := testInput("everywhere")
	specialOnly := testInput("special-only")
	specialOnly.ShowOnGeneral = false
	generalOnly := testInput("general-only")
	generalOnly.ShowOnSpecial = false

	for _, in := range []Input{everywhere, specialOnly, generalOnly} {
		if _, err := svc.Create(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	names := func(models []Model) []string {
		var out []string
		for _, m := range models {
			out = append(out, m.Name)
		}
		return out
	}

	general := names(svc.Snapshot().VisibleOn(EndpointGeneral))
	if len(general) != 2 || general[0] != "everywhere" || general[1] != "general-only" {
		t.Errorf("general = %v", general)
	}
	special := names(svc.Snapshot().VisibleOn(EndpointSpecial))
	if len(special) != 2 || special[0] != "everywhere" || special[1] != "special-only" {
		t.Errorf("special = %v", special)
	}
}

func TestUpdateKeepsKeyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created, err := svc.Create(ctx, testInput("m"))
	if err != nil {
		t.Fatal(err)
	}

	in := testInput("m-renamed")
	in.APIKey = ""
	updated, err := svc.Update(ctx, created.ID, in)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "m-renamed" {
		t.Errorf("name = %q", updated.Name)
	}
	if updated.APIKey != "sk-test-1234567890" {
		t.Errorf("key after empty update = %q, want original", updated.APIKey)
	}

	in.APIKey = "sk-new"
	updated, err = svc.Update(ctx, created.ID, in)
	if err != nil {
		t.Fatal(err)
	}
	if updated.APIKey != "sk-new" {
		t.Errorf("key after replace = %q, want sk-new", updated.APIKey)
	}
}

func TestCreateEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	for i := 0; i < MaxConfigs; i++ {
		if _, err := svc.Create(ctx, testInput(fmt.Sprintf("m-%02d", i))); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := svc.Create(ctx, testInput("one-too-many"))
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("got %v, want ErrLimitExceeded", err)
	}
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Create(ctx, testInput("dup")); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Create(ctx, testInput("dup"))
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("got %v, want ErrDuplicateName", err)
	}
}

func TestResolvePrefersEnabledOverDisabledDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	// Disabled twin created first so catalogue order cannot mask the
	// preference.
	retired := testInput("twin")
	retired.Enabled = false
	if _, err := svc.Create(ctx, retired); err != nil {
		t.Fatalf("disabled duplicate rejected: %v", err)
	}

	live := testInput("twin")
	live.BaseURL = "http://127.0.0.1:9090/v1"
	created, err := svc.Create(ctx, live)
	if err != nil {
		t.Fatalf("enabled twin rejected: %v", err)
	}

	m, ok := svc.Snapshot().Resolve("twin")
	if !ok {
		t.Fatal("Resolve missed the enabled twin")
	}
	if m.ID != created.ID || !m.Enabled {
		t.Errorf("resolved id = %d enabled = %v, want id %d enabled", m.ID, m.Enabled, created.ID)
	}
}

func TestInputValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tests := []struct {
		name   string
		mutate func(*Input)
		field  string
	}{
		{"empty name", func(in *Input) { in.Name = "  " }, "model_name"},
		{"unknown service type", func(in *Input) { in.ServiceType = "azure" }, "service_type"},
		{"compatible without url", func(in *Input) { in.BaseURL = "" }, "api_base_url"},
		{"enabled but hidden everywhere", func(in *Input) {
			in.ShowOnGeneral = false
			in.ShowOnSpecial = false
		}, "is_enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := testInput("x")
			tt.mutate(&in)
			_, err := svc.Create(ctx, in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestSnapshotIsImmutableAcrossWrites(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	if _, err := svc.Create(ctx, testInput("first")); err != nil {
		t.Fatal(err)
	}
	before := svc.Snapshot()

	if _, err := svc.Create(ctx, testInput("second")); err != nil {
		t.Fatal(err)
	}
	after := svc.Snapshot()

	if before.Len() != 1 {
		t.Errorf("old snapshot mutated: len = %d", before.Len())
	}
	if after.Len() != 2 {
		t.Errorf("new snapshot len = %d, want 2", after.Len())
	}
	if after.Version() <= before.Version() {
		t.Errorf("version did not advance: %d -> %d", before.Version(), after.Version())
	}
}

func TestDeleteRemovesFromSnapshot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created, err := svc.Create(ctx, testInput("gone-soon"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := svc.Snapshot().Resolve("gone-soon"); ok {
		t.Error("deleted model still resolves")
	}
	if err := svc.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

func TestLoadTreatsUndecryptableKeyAsEmpty(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	created, err := svc.Create(ctx, testInput("m"))
	if err != nil {
		t.Fatal(err)
	}

	// Corrupt the stored ciphertext behind the catalogue's back.
	row, err := st.GetConfig(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	row.APIKey = "bm90LXJlYWwtY2lwaGVydGV4dA==" // valid base64, invalid ciphertext
	if err := st.UpdateConfig(ctx, row); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.Loaded != 1 || len(res.Failed) != 0 {
		t.Errorf("result = %+v, want loaded=1 failed=0", res)
	}

	m, ok := svc.Snapshot().Resolve("m")
	if !ok {
		t.Fatal("model with broken key dropped from snapshot")
	}
	if m.APIKey != "" {
		t.Errorf("key = %q, want empty", m.APIKey)
	}
}

func TestLoadSkipsUnknownServiceType(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)

	created, err := svc.Create(ctx, testInput("weird"))
	if err != nil {
		t.Fatal(err)
	}
	row, err := st.GetConfig(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	row.ServiceType = "not-a-service"
	if err := st.UpdateConfig(ctx, row); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Loaded != 0 || len(res.Failed) != 1 {
		t.Errorf("result = %+v, want loaded=0 failed=1", res)
	}
	if len(res.Failed) == 1 {
		if res.Failed[0].ID != created.ID ||
			!strings.Contains(res.Failed[0].Reason, "not-a-service") {
			t.Errorf("failure = %+v", res.Failed[0])
		}
	}
	if svc.Snapshot().Len() != 0 {
		t.Error("unknown service type still in snapshot")
	}
}

func TestDefaultBaseURLs(t *testing.T) {
	tests := []struct {
		st   ServiceType
		want string
	}{
		{ServiceOpenAI, "https://api.openai.com/v1"},
		{ServiceAnthropic, "https://api.anthropic.com"},
		{ServiceGemini, "https://generativelanguage.googleapis.com/v1beta"},
		{ServiceOpenRouter, "https://openrouter.ai/api/v1"},
		{ServiceVSCodeProxy, "http://127.0.0.1:3000"},
		{ServiceLMStudio, "http://127.0.0.1:1234/v1"},
		{ServiceOpenAICompatible, ""},
		{ServiceNone, ""},
	}
	for _, tt := range tests {
		if got := tt.st.DefaultBaseURL(); got != tt.want {
			t.Errorf("DefaultBaseURL(%s) = %q, want %q", tt.st, got, tt.want)
		}
	}
}

func TestResolvedUpstreamIDFallsBackToName(t *testing.T) {
	m := Model{Name: "public-name"}
	if got := m.ResolvedUpstreamID(); got != "public-name" {
		t.Errorf("got %q", got)
	}
	m.UpstreamID = "upstream-id"
	if got := m.ResolvedUpstreamID(); got != "upstream-id" {
		t.Errorf("got %q", got)
	}
}
