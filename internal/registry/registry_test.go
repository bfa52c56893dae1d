package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conduit/internal/interfaces"
	"github.com/ternarybob/conduit/internal/models"
)

type stubHandler struct {
	name  string
	label string
}

func (h *stubHandler) Name() string { return h.name }

func (h *stubHandler) Execute(ctx context.Context, job *models.Job, jctx interfaces.JobContext) (interface{}, error) {
	return h.label, nil
}

func writeManifest(t *testing.T, dir, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegisterAndGet(t *testing.T) {
	r := New(nil, nil, arbor.NewLogger())

	r.Register(&stubHandler{name: "echo"}, interfaces.HandlerMeta{Description: "echoes"})

	h, err := r.Get("echo")
	if err != nil {
		t.Fatal(err)
	}
	if h.Name() != "echo" {
		t.Errorf("Expected echo, got %s", h.Name())
	}

	if _, err := r.Get("missing"); models.CodeOf(err) != models.ErrCodeHandlerNotFound {
		t.Fatalf("Expected HandlerNotFound, got %v", err)
	}
}

func TestDisabledHandlerResolvesNotFound(t *testing.T) {
	r := New(nil, []string{"echo"}, arbor.NewLogger())
	r.Register(&stubHandler{name: "echo"}, interfaces.HandlerMeta{})

	if _, err := r.Get("echo"); models.CodeOf(err) != models.ErrCodeHandlerNotFound {
		t.Fatalf("Disabled handler should be not found, got %v", err)
	}

	// Disabled names still appear in the listing so operators can see them.
	if _, ok := r.List()["echo"]; !ok {
		t.Error("Disabled handler missing from listing")
	}
}

func TestReloadDiscoversManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "greet.yaml", "name: greet\ndescription: greets people\nversion: \"2.1\"\n")

	r := New([]string{dir}, nil, arbor.NewLogger())
	r.RegisterFactory("greet", func(meta interfaces.HandlerMeta) (interfaces.Handler, error) {
		return &stubHandler{name: "factory", label: "greeting"}, nil
	})

	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}

	h, err := r.Get("greet")
	if err != nil {
		t.Fatal(err)
	}
	// Manifest name wins over the factory-built handler's own name.
	if h.Name() != "greet" {
		t.Errorf("Expected manifest name greet, got %s", h.Name())
	}

	meta := r.List()["greet"]
	if meta.Description != "greets people" || meta.Version != "2.1" {
		t.Errorf("Unexpected meta: %+v", meta)
	}
}

func TestReloadSharedExecutorKey(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", "name: task-a\nexecutor: shell\n")
	writeManifest(t, dir, "b.yaml", "name: task-b\nexecutor: shell\n")

	r := New([]string{dir}, nil, arbor.NewLogger())
	r.RegisterFactory("shell", func(meta interfaces.HandlerMeta) (interfaces.Handler, error) {
		return &stubHandler{name: "shell"}, nil
	})

	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"task-a", "task-b"} {
		h, err := r.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if h.Name() != name {
			t.Errorf("Expected %s, got %s", name, h.Name())
		}
	}
}

func TestReloadKeepsCodeRegisteredHandlers(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "greet.yaml", "name: greet\n")

	r := New([]string{dir}, nil, arbor.NewLogger())
	r.Register(&stubHandler{name: "builtin"}, interfaces.HandlerMeta{})
	r.RegisterFactory("greet", func(meta interfaces.HandlerMeta) (interfaces.Handler, error) {
		return &stubHandler{name: "greet"}, nil
	})

	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("builtin"); err != nil {
		t.Fatalf("Code-registered handler lost on reload: %v", err)
	}
	if _, err := r.Get("greet"); err != nil {
		t.Fatalf("Manifest handler missing: %v", err)
	}

	// A manifest that disappears is unregistered on the next reload; the
	// code-registered handler survives.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("greet"); models.CodeOf(err) != models.ErrCodeHandlerNotFound {
		t.Fatalf("Removed manifest still resolves: %v", err)
	}
	if _, err := r.Get("builtin"); err != nil {
		t.Fatalf("Code-registered handler lost after manifest removal: %v", err)
	}
}

func TestReloadSkipsBrokenManifests(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "broken.yaml", "name: [unclosed\n")
	writeManifest(t, dir, "anon.yaml", "description: no name here\n")
	writeManifest(t, dir, "good.yaml", "name: good\n")

	r := New([]string{dir}, nil, arbor.NewLogger())
	r.RegisterFactory("good", func(meta interfaces.HandlerMeta) (interfaces.Handler, error) {
		return &stubHandler{name: "good"}, nil
	})

	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("good"); err != nil {
		t.Fatalf("Valid manifest rejected alongside broken ones: %v", err)
	}
	if len(r.List()) != 1 {
		t.Errorf("Expected exactly 1 handler, got %d", len(r.List()))
	}
}

func TestCapturedReferenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "greet.yaml", "name: greet\n")

	generation := "v1"
	r := New([]string{dir}, nil, arbor.NewLogger())
	r.RegisterFactory("greet", func(meta interfaces.HandlerMeta) (interfaces.Handler, error) {
		return &stubHandler{name: "greet", label: generation}, nil
	})

	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}

	captured, err := r.Get("greet")
	if err != nil {
		t.Fatal(err)
	}

	generation = "v2"
	if err := r.Reload(); err != nil {
		t.Fatal(err)
	}

	// The reference claimed before the reload keeps executing the old build;
	// fresh lookups see the new one.
	out, _ := captured.Execute(context.Background(), &models.Job{}, nil)
	if out != "v1" {
		t.Errorf("Captured reference hot-swapped: got %v", out)
	}

	fresh, err := r.Get("greet")
	if err != nil {
		t.Fatal(err)
	}
	out, _ = fresh.Execute(context.Background(), &models.Job{}, nil)
	if out != "v2" {
		t.Errorf("Fresh lookup still on old build: got %v", out)
	}
}

func TestUnregister(t *testing.T) {
	r := New(nil, nil, arbor.NewLogger())
	r.Register(&stubHandler{name: "echo"}, interfaces.HandlerMeta{})

	r.Unregister("echo")
	if _, err := r.Get("echo"); models.CodeOf(err) != models.ErrCodeHandlerNotFound {
		t.Fatalf("Expected HandlerNotFound after unregister, got %v", err)
	}
}
