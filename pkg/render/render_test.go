package render

import "testing"

func TestRenderBumpCommit(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	got, err := engine.Render(BumpCommit, map[string]string{"Module": "platform"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if want := "Bump to rebuild because of platform update"; got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
}

func TestRenderErrors(t *testing.T) {
	engine, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := engine.Render("missing", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
	if _, err := engine.Render(BumpCommit, map[string]string{}); err == nil {
		t.Fatal("expected error for missing key")
	}

	var nilEngine *Engine
	if _, err := nilEngine.Render(BumpCommit, nil); err == nil {
		t.Fatal("expected error for nil engine")
	}
}
