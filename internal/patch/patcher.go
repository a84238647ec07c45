// Package patch rewrites the hardcoded provider endpoints in OpenClaw's
// configuration files so its traffic goes through the proxy, and restores
// the originals afterwards.
//
// Every patched file is backed up before it is written. The backup and the
// content hashes live in a manifest under the state directory; a backup is
// removed only after the restored file hashes back to the original.
package patch

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/provider"

	"github.com/tidwall/jsonc"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

const manifestName = "manifest.json"

// ErrModified means a patched file changed after patching. Its backup and
// manifest entry are kept so nothing the user wrote is lost.
var ErrModified = errors.New("file changed since it was patched")

// PatchResult reports what Patch did.
type PatchResult struct {
	Providers []string `json:"providers"`
	Patched   []string `json:"patched"`   // files rewritten now
	Unchanged []string `json:"unchanged"` // already patched or nothing to rewrite
}

// RevertResult reports what Revert did.
type RevertResult struct {
	Restored []string `json:"restored"`
	// AlreadyOriginal lists files that matched their original content, so
	// only the backup was dropped.
	AlreadyOriginal []string `json:"already_original"`
}

// Count is the number of files touched.
func (r RevertResult) Count() int { return len(r.Restored) + len(r.AlreadyOriginal) }

type manifest struct {
	Version   int             `json:"version"`
	ProxyURL  string          `json:"proxy_url"`
	Providers []string        `json:"providers"`
	Files     []manifestEntry `json:"files"`
}

type manifestEntry struct {
	Path         string    `json:"path"`
	Backup       string    `json:"backup"`
	OriginalHash string    `json:"original_hash"`
	PatchedHash  string    `json:"patched_hash"`
	PatchedAt    time.Time `json:"patched_at"`
}

// Patcher applies and reverts endpoint rewrites.
type Patcher struct {
	mu       sync.Mutex
	root     string
	globs    []string
	stateDir string
	registry *provider.Registry
	logger   *slog.Logger
}

// NewPatcher creates a patcher for the configured OpenClaw files.
func NewPatcher(cfg config.OpenClawConfig, reg *provider.Registry, logger *slog.Logger) *Patcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Patcher{
		root:     config.ExpandHome(cfg.Root),
		globs:    cfg.Files,
		stateDir: config.ExpandHome(cfg.StateDir),
		registry: reg,
		logger:   logger.With("component", "patch.Patcher"),
	}
}

// plan is the rewrite computed for one file before anything is written.
type plan struct {
	path     string
	mode     os.FileMode
	original []byte
	patched  []byte
	origHash string
	newHash  string
}

// Patch points every selected provider's upstream URL in the target files
// at the proxy. Patching an already patched file is a no-op.
func (p *Patcher) Patch(ctx context.Context, providerIDs []string, proxyURL string, multi bool) (PatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := PatchResult{Providers: providerIDs}
	rewrites, err := p.rewrites(providerIDs, proxyURL, multi)
	if err != nil {
		return res, err
	}

	files, err := p.targets()
	if err != nil {
		return res, err
	}

	m, err := p.loadManifest()
	if err != nil {
		return res, err
	}
	if m == nil {
		m = &manifest{Version: 1}
	}

	// Compute every rewrite first so a bad file aborts before any write.
	plans := make([]*plan, len(files))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range files {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			pl, err := planFile(path, rewrites)
			if err != nil {
				return err
			}
			plans[i] = pl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	if err := os.MkdirAll(filepath.Join(p.stateDir, "backups"), 0o700); err != nil {
		return res, fmt.Errorf("create state dir: %w", err)
	}

	for _, pl := range plans {
		if pl.patched == nil {
			res.Unchanged = append(res.Unchanged, pl.path)
			continue
		}

		entry := m.find(pl.path)
		if entry == nil {
			backup := filepath.Join(p.stateDir, "backups", backupName(pl.path))
			if err := writeFileAtomic(backup, pl.original, 0o600); err != nil {
				return res, fmt.Errorf("back up %s: %w", pl.path, err)
			}
			m.Files = append(m.Files, manifestEntry{
				Path:         pl.path,
				Backup:       backup,
				OriginalHash: pl.origHash,
			})
			entry = &m.Files[len(m.Files)-1]
		}
		entry.PatchedHash = pl.newHash
		entry.PatchedAt = time.Now().UTC()

		// The manifest is written before the file so a crash never leaves a
		// patched file without a recorded backup.
		m.ProxyURL = proxyURL
		m.Providers = providerIDs
		if err := p.saveManifest(m); err != nil {
			return res, err
		}
		if err := writeFileAtomic(pl.path, pl.patched, pl.mode); err != nil {
			return res, fmt.Errorf("write %s: %w", pl.path, err)
		}
		res.Patched = append(res.Patched, pl.path)
		p.logger.Info("patched file", "path", pl.path, "proxy_url", proxyURL)
	}

	return res, nil
}

// Revert restores every patched file from its backup. It is a no-op when
// nothing was patched.
func (p *Patcher) Revert(ctx context.Context) (RevertResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res RevertResult
	m, err := p.loadManifest()
	if err != nil || m == nil {
		return res, err
	}

	var (
		remaining []manifestEntry
		errs      []error
	)
	for _, e := range m.Files {
		if err := ctx.Err(); err != nil {
			remaining = append(remaining, e)
			errs = append(errs, err)
			continue
		}
		restored, err := restoreFile(e)
		if err != nil {
			remaining = append(remaining, e)
			errs = append(errs, err)
			p.logger.Error("failed to restore file", "path", e.Path, "error", err)
			continue
		}
		if err := os.Remove(e.Backup); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("failed to remove backup", "backup", e.Backup, "error", err)
		}
		if restored {
			res.Restored = append(res.Restored, e.Path)
			p.logger.Info("restored file", "path", e.Path)
		} else {
			res.AlreadyOriginal = append(res.AlreadyOriginal, e.Path)
		}
	}

	if len(remaining) == 0 {
		if err := os.Remove(filepath.Join(p.stateDir, manifestName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove manifest: %w", err))
		}
	} else {
		m.Files = remaining
		if err := p.saveManifest(m); err != nil {
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// Applied reports whether any file is currently recorded as patched.
func (p *Patcher) Applied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.loadManifest()
	return err == nil && m != nil && len(m.Files) > 0
}

// restoreFile puts the backup back and verifies the result. It reports
// false when the file already had its original content.
func restoreFile(e manifestEntry) (bool, error) {
	backup, err := os.ReadFile(e.Backup)
	if err != nil {
		return false, fmt.Errorf("read backup of %s: %w", e.Path, err)
	}
	if hashOf(backup) != e.OriginalHash {
		return false, fmt.Errorf("backup of %s does not match the recorded hash", e.Path)
	}

	mode := os.FileMode(0o644)
	current, err := os.ReadFile(e.Path)
	switch {
	case err == nil:
		switch hashOf(current) {
		case e.OriginalHash:
			return false, nil
		case e.PatchedHash:
		default:
			return false, fmt.Errorf("%s: %w; backup kept at %s", e.Path, ErrModified, e.Backup)
		}
		if fi, statErr := os.Stat(e.Path); statErr == nil {
			mode = fi.Mode().Perm()
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return false, fmt.Errorf("read %s: %w", e.Path, err)
	}

	if err := writeFileAtomic(e.Path, backup, mode); err != nil {
		return false, fmt.Errorf("restore %s: %w", e.Path, err)
	}
	check, err := os.ReadFile(e.Path)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", e.Path, err)
	}
	if hashOf(check) != e.OriginalHash {
		return false, fmt.Errorf("restored %s does not match its original hash", e.Path)
	}
	return true, nil
}

type rewrite struct {
	from string
	to   string
}

func (p *Patcher) rewrites(providerIDs []string, proxyURL string, multi bool) ([]rewrite, error) {
	if len(providerIDs) == 0 {
		return nil, errors.New("no providers selected")
	}
	var out []rewrite
	for _, id := range providerIDs {
		c, err := p.registry.Resolve(id)
		if err != nil {
			return nil, err
		}
		from := strings.TrimRight(c.UpstreamBaseURL, "/")
		to := strings.TrimRight(c.ClientBaseURL(proxyURL, multi), "/")
		if from == to {
			continue
		}
		out = append(out, rewrite{from: from, to: to})
	}
	// Longer URLs first so a prefix never shadows a more specific one.
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].from) > len(out[j].from) })
	return out, nil
}

// targets expands the configured globs under the root.
func (p *Patcher) targets() ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, g := range p.globs {
		matches, err := filepath.Glob(filepath.Join(p.root, g))
		if err != nil {
			return nil, fmt.Errorf("bad file pattern %q: %w", g, err)
		}
		for _, m := range matches {
			if fi, err := os.Stat(m); err != nil || fi.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// planFile computes the rewritten content of one file. patched is nil when
// nothing needs to change.
func planFile(path string, rewrites []rewrite) (*plan, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pl := &plan{path: path, mode: fi.Mode().Perm(), original: data, origHash: hashOf(data)}

	out := data
	for _, rw := range rewrites {
		out = replaceURL(out, rw.from, rw.to)
	}
	if bytes.Equal(out, data) {
		return pl, nil
	}

	if isJSONFile(path) && json.Valid(jsonc.ToJSON(data)) && !json.Valid(jsonc.ToJSON(out)) {
		return nil, fmt.Errorf("rewriting %s would produce invalid JSON", path)
	}
	pl.patched = out
	pl.newHash = hashOf(out)
	return pl, nil
}

// replaceURL replaces from with to wherever from is not followed by more
// host characters, so https://api.x.ai does not match https://api.x.ai.evil.
func replaceURL(data []byte, from, to string) []byte {
	f := []byte(from)
	var b bytes.Buffer
	for {
		i := bytes.Index(data, f)
		if i < 0 {
			b.Write(data)
			return b.Bytes()
		}
		end := i + len(f)
		if end < len(data) && isHostChar(data[end]) {
			b.Write(data[:end])
			data = data[end:]
			continue
		}
		b.Write(data[:i])
		b.WriteString(to)
		data = data[end:]
	}
}

func isHostChar(c byte) bool {
	return c == '.' || c == '-' || c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isJSONFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".json5":
		return true
	}
	return false
}

func hashOf(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// backupName derives a stable backup file name from the target path.
func backupName(path string) string {
	sum := blake3.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8]) + "-" + filepath.Base(path) + ".bak"
}

func (m *manifest) find(path string) *manifestEntry {
	for i := range m.Files {
		if m.Files[i].Path == path {
			return &m.Files[i]
		}
	}
	return nil
}

func (p *Patcher) loadManifest() (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(p.stateDir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read patch manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse patch manifest: %w", err)
	}
	return &m, nil
}

func (p *Patcher) saveManifest(m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.stateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(p.stateDir, manifestName), data, 0o600); err != nil {
		return fmt.Errorf("write patch manifest: %w", err)
	}
	return nil
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it into place.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
