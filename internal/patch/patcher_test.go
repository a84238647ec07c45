package patch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/provider"
)

const openclawJSON = `{
  // OpenClaw model providers
  "models": {
    "providers": {
      "openai": { "baseUrl": "https://api.openai.com/v1", "apiKey": "${OPENAI_API_KEY}" },
      "anthropic": { "baseUrl": "https://api.anthropic.com" },
      "lookalike": { "baseUrl": "https://api.openai.com.example.net/v1" }
    }
  }
}
`

func newTestPatcher(t *testing.T) (*Patcher, string, string) {
	t.Helper()
	root := t.TempDir()
	state := filepath.Join(t.TempDir(), "patches")
	if err := os.MkdirAll(filepath.Join(root, "agents", "main", "agent"), 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(root, "openclaw.json"), openclawJSON)
	write(t, filepath.Join(root, "agents", "main", "agent", "models.json"),
		`{"providers":{"anthropic":{"baseUrl":"https://api.anthropic.com"}}}`)

	p := NewPatcher(config.OpenClawConfig{
		Root:     root,
		Files:    []string{"openclaw.json", "agents/*/agent/models.json"},
		StateDir: state,
	}, provider.Default(), nil)
	return p, root, state
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestPatcher_PatchRewritesSelectedProviders(t *testing.T) {
	p, root, _ := newTestPatcher(t)
	ctx := context.Background()

	res, err := p.Patch(ctx, []string{"openai", "anthropic"}, "http://127.0.0.1:8742", true)
	if err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if len(res.Patched) != 2 {
		t.Fatalf("Patched = %v, want both files", res.Patched)
	}

	got := read(t, filepath.Join(root, "openclaw.json"))
	if !strings.Contains(got, `"baseUrl": "http://127.0.0.1:8742/openai/v1"`) {
		t.Errorf("openai not rewritten:\n%s", got)
	}
	if !strings.Contains(got, `"baseUrl": "http://127.0.0.1:8742/anthropic"`) {
		t.Errorf("anthropic not rewritten:\n%s", got)
	}
	if !strings.Contains(got, "https://api.openai.com.example.net/v1") {
		t.Errorf("lookalike host was rewritten:\n%s", got)
	}
	if !strings.Contains(got, "// OpenClaw model providers") {
		t.Error("comments were lost")
	}
	if !p.Applied() {
		t.Error("Applied() = false after patch")
	}
}

func TestPatcher_SingleModeUsesRootMount(t *testing.T) {
	p, root, _ := newTestPatcher(t)

	if _, err := p.Patch(context.Background(), []string{"openai"}, "http://127.0.0.1:8742/", false); err != nil {
		t.Fatal(err)
	}
	if got := read(t, filepath.Join(root, "openclaw.json")); !strings.Contains(got, `"http://127.0.0.1:8742/v1"`) {
		t.Errorf("single mode rewrite:\n%s", got)
	}
}

func TestPatcher_PatchIsIdempotent(t *testing.T) {
	p, root, _ := newTestPatcher(t)
	ctx := context.Background()

	if _, err := p.Patch(ctx, []string{"openai", "anthropic"}, "http://127.0.0.1:8742", true); err != nil {
		t.Fatal(err)
	}
	first := read(t, filepath.Join(root, "openclaw.json"))

	res, err := p.Patch(ctx, []string{"openai", "anthropic"}, "http://127.0.0.1:8742", true)
	if err != nil {
		t.Fatalf("second Patch() error: %v", err)
	}
	if len(res.Patched) != 0 || len(res.Unchanged) != 2 {
		t.Errorf("second Patch() = %+v, want everything unchanged", res)
	}
	if read(t, filepath.Join(root, "openclaw.json")) != first {
		t.Error("second patch changed the file")
	}
}

func TestPatcher_RevertRestoresOriginals(t *testing.T) {
	p, root, state := newTestPatcher(t)
	ctx := context.Background()

	if _, err := p.Patch(ctx, []string{"openai", "anthropic"}, "http://127.0.0.1:8742", true); err != nil {
		t.Fatal(err)
	}
	res, err := p.Revert(ctx)
	if err != nil {
		t.Fatalf("Revert() error: %v", err)
	}
	if len(res.Restored) != 2 {
		t.Errorf("Restored = %v", res.Restored)
	}
	if got := read(t, filepath.Join(root, "openclaw.json")); got != openclawJSON {
		t.Errorf("openclaw.json not restored:\n%s", got)
	}
	if p.Applied() {
		t.Error("Applied() = true after revert")
	}
	if _, err := os.Stat(filepath.Join(state, manifestName)); !os.IsNotExist(err) {
		t.Error("manifest left behind after a complete revert")
	}
	backups, _ := os.ReadDir(filepath.Join(state, "backups"))
	if len(backups) != 0 {
		t.Errorf("%d backups left behind", len(backups))
	}

	// Reverting again is a no-op.
	res, err = p.Revert(ctx)
	if err != nil || res.Count() != 0 {
		t.Errorf("second Revert() = %+v, %v", res, err)
	}
}

func TestPatcher_RevertWithoutPatchIsNoop(t *testing.T) {
	p, _, _ := newTestPatcher(t)
	res, err := p.Revert(context.Background())
	if err != nil {
		t.Fatalf("Revert() error: %v", err)
	}
	if res.Count() != 0 {
		t.Errorf("Revert() = %+v", res)
	}
}

func TestPatcher_CorruptBackupIsKept(t *testing.T) {
	p, root, _ := newTestPatcher(t)
	ctx := context.Background()

	if _, err := p.Patch(ctx, []string{"openai"}, "http://127.0.0.1:8742", true); err != nil {
		t.Fatal(err)
	}
	m, err := p.loadManifest()
	if err != nil || m == nil || len(m.Files) != 1 {
		t.Fatalf("manifest = %+v, %v", m, err)
	}
	write(t, m.Files[0].Backup, "tampered")

	if _, err := p.Revert(ctx); err == nil {
		t.Fatal("Revert() should fail on a corrupt backup")
	}
	if _, err := os.Stat(m.Files[0].Backup); err != nil {
		t.Error("backup was deleted after a failed revert")
	}
	if !p.Applied() {
		t.Error("failed entry dropped from the manifest")
	}
	if strings.Contains(read(t, filepath.Join(root, "openclaw.json")), "api.openai.com/v1\"") {
		t.Error("file was overwritten with unverified content")
	}
}

func TestPatcher_RevertAfterManualRestore(t *testing.T) {
	p, root, _ := newTestPatcher(t)
	ctx := context.Background()

	if _, err := p.Patch(ctx, []string{"openai"}, "http://127.0.0.1:8742", true); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(root, "openclaw.json"), openclawJSON)

	res, err := p.Revert(ctx)
	if err != nil {
		t.Fatalf("Revert() error: %v", err)
	}
	if len(res.AlreadyOriginal) != 1 || len(res.Restored) != 0 {
		t.Errorf("Revert() = %+v", res)
	}
}

func TestPatcher_RevertKeepsUserEdits(t *testing.T) {
	p, root, _ := newTestPatcher(t)
	ctx := context.Background()

	if _, err := p.Patch(ctx, []string{"openai"}, "http://127.0.0.1:8742", true); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "openclaw.json")
	edited := strings.Replace(read(t, path), "{", `{ "userAdded": true,`, 1)
	write(t, path, edited)

	_, err := p.Revert(ctx)
	if !errors.Is(err, ErrModified) {
		t.Fatalf("Revert() error = %v, want ErrModified", err)
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error %q does not name %s", err, path)
	}
	if got := read(t, path); got != edited {
		t.Errorf("edited file was overwritten:\n%s", got)
	}
	m, err := p.loadManifest()
	if err != nil || m == nil || len(m.Files) != 1 {
		t.Fatalf("manifest = %+v, %v; want the entry kept", m, err)
	}
	if _, err := os.Stat(m.Files[0].Backup); err != nil {
		t.Errorf("backup removed: %v", err)
	}
	if !p.Applied() {
		t.Error("Applied() = false with an unrestored file")
	}
}

func TestPatcher_UnknownProvider(t *testing.T) {
	p, _, _ := newTestPatcher(t)
	if _, err := p.Patch(context.Background(), []string{"nope"}, "http://127.0.0.1:8742", true); err == nil {
		t.Fatal("Patch() with unknown provider should fail")
	}
	if p.Applied() {
		t.Error("failed patch left a manifest")
	}
}

func TestReplaceURL(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"path follows", "x https://api.openai.com/v1/chat y", "x P/chat y"},
		{"quote follows", `"https://api.openai.com/v1"`, `"P"`},
		{"end of input", "https://api.openai.com/v1", "P"},
		{"longer host", "https://api.openai.com/v1.evil", "https://api.openai.com/v1.evil"},
		{"twice", "https://api.openai.com/v1 https://api.openai.com/v1", "P P"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(replaceURL([]byte(tt.in), "https://api.openai.com/v1", "P"))
			if got != tt.want {
				t.Errorf("replaceURL() = %q, want %q", got, tt.want)
			}
		})
	}
}
