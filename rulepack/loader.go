package rulepack

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AnTengye/contractguard/pkg/atomicfile"
	gocache "github.com/patrickmn/go-cache"
)

const (
	packKeyPrefix    = "rulepack:"
	lexiconKeyPrefix = "lexicon:"
)

// Snapshot is the serialized record of a load kept by a SnapshotStore
type Snapshot struct {
	Key      string          `json:"key"`
	Version  string          `json:"version"`
	Checksum string          `json:"checksum_sha256,omitempty"`
	LoadedAt time.Time       `json:"loaded_at"`
	Data     json.RawMessage `json:"data"`
}

// SnapshotStore is an optional persistent cache of loaded packs and lexicons.
// Correctness never depends on it; the loader always validates from source.
type SnapshotStore interface {
	Save(snap Snapshot) error
	Load(key string) (Snapshot, bool)
}

// DiskSnapshots stores snapshots as JSON files under a directory
type DiskSnapshots struct {
	dir string
}

// NewDiskSnapshots creates a snapshot store rooted at dir
func NewDiskSnapshots(dir string) *DiskSnapshots {
	return &DiskSnapshots{dir: dir}
}

func (d *DiskSnapshots) path(key string) string {
	name := strings.NewReplacer("/", "_", ":", "_", "\\", "_", "@", "_").Replace(key)
	return filepath.Join(d.dir, name+".json")
}

// Save writes snap atomically
func (d *DiskSnapshots) Save(snap Snapshot) error {
	return atomicfile.WriteJSON(d.path(snap.Key), snap)
}

// Load reads the snapshot stored under key
func (d *DiskSnapshots) Load(key string) (Snapshot, bool) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Loader caches validated rulepacks by filesystem path and lexicons by
// (directory, language). Entries never expire; Reload drops and re-reads.
type Loader struct {
	cache     *gocache.Cache
	snapshots SnapshotStore
	mu        sync.Mutex
}

// NewLoader creates a loader. snapshots may be nil.
func NewLoader(snapshots SnapshotStore) *Loader {
	return &Loader{
		cache:     gocache.New(gocache.NoExpiration, 0),
		snapshots: snapshots,
	}
}

func packKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return packKeyPrefix + path
}

func lexiconKey(dir, language string) string {
	return lexiconKeyPrefix + strings.ToLower(language) + "@" + dir
}

// Load returns the cached rulepack for path, loading and validating it on
// first use.
func (l *Loader) Load(path string) (*Rulepack, error) {
	key := packKey(path)
	if v, ok := l.cache.Get(key); ok {
		return v.(*Rulepack), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(key); ok {
		return v.(*Rulepack), nil
	}
	return l.loadLocked(key, path)
}

// Reload drops any cached copy of path and loads it again. On failure the
// previous copy is kept.
func (l *Loader) Reload(path string) (*Rulepack, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked(packKey(path), path)
}

func (l *Loader) loadLocked(key, path string) (*Rulepack, error) {
	pack, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	pack.LoadedAt = time.Now().UTC()
	l.cache.Set(key, pack, gocache.NoExpiration)

	if prev, ok := l.snapshot(key); ok && prev.Checksum != pack.Checksum {
		slog.Info("rulepack changed since last snapshot",
			"pack_id", pack.Meta.PackID,
			"previous_version", prev.Version,
			"version", pack.Meta.Version,
		)
	}
	l.saveSnapshot(key, pack.Meta.Version, pack.Checksum, pack.LoadedAt, pack)

	for _, w := range pack.Warnings {
		slog.Warn("rulepack warning", "pack_id", pack.Meta.PackID, "warning", w)
	}
	slog.Info("rulepack loaded",
		"pack_id", pack.Meta.PackID,
		"version", pack.Meta.Version,
		"detectors", len(pack.Detectors),
		"path", pack.Path,
	)
	return pack, nil
}

// Lexicon returns the weak-language lexicon for language from dir. When no
// file matches, the empty default lexicon is returned and cached.
func (l *Loader) Lexicon(dir, language string) (*WeakLexicon, error) {
	key := lexiconKey(dir, language)
	if v, ok := l.cache.Get(key); ok {
		return v.(*WeakLexicon), nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(key); ok {
		return v.(*WeakLexicon), nil
	}
	return l.loadLexiconLocked(key, dir, language)
}

// ReloadLexicon drops and re-reads the lexicon for language
func (l *Loader) ReloadLexicon(dir, language string) (*WeakLexicon, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLexiconLocked(lexiconKey(dir, language), dir, language)
}

func (l *Loader) loadLexiconLocked(key, dir, language string) (*WeakLexicon, error) {
	lex, found, err := FindLexicon(dir, language)
	if err != nil {
		return nil, err
	}
	if !found {
		slog.Debug("no weak lexicon found, using empty default", "language", language, "dir", dir)
	}
	l.cache.Set(key, lex, gocache.NoExpiration)
	l.saveSnapshot(key, lex.Version, "", time.Now().UTC(), lex)
	return lex, nil
}

// Rulepacks lists every cached rulepack ordered by pack id then version
func (l *Loader) Rulepacks() []*Rulepack {
	var packs []*Rulepack
	for key, item := range l.cache.Items() {
		if strings.HasPrefix(key, packKeyPrefix) {
			packs = append(packs, item.Object.(*Rulepack))
		}
	}
	sort.Slice(packs, func(i, j int) bool {
		if packs[i].Meta.PackID != packs[j].Meta.PackID {
			return packs[i].Meta.PackID < packs[j].Meta.PackID
		}
		return packs[i].Meta.Version < packs[j].Meta.Version
	})
	return packs
}

func (l *Loader) snapshot(key string) (Snapshot, bool) {
	if l.snapshots == nil {
		return Snapshot{}, false
	}
	return l.snapshots.Load(key)
}

func (l *Loader) saveSnapshot(key, version, checksum string, at time.Time, v any) {
	if l.snapshots == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal snapshot", "key", key, "error", err)
		return
	}
	snap := Snapshot{Key: key, Version: version, Checksum: checksum, LoadedAt: at, Data: data}
	if err := l.snapshots.Save(snap); err != nil {
		slog.Warn("failed to save snapshot", "key", key, "error", err)
	}
}

// Registry is the process-scoped view of the active rulepack and lexicons.
// Tests build their own registries instead of sharing globals.
type Registry struct {
	loader     *Loader
	packPath   string
	lexiconDir string
	language   string
}

// NewRegistry creates a registry serving the pack at packPath and lexicons
// from lexiconDir with defaultLanguage as fallback language.
func NewRegistry(loader *Loader, packPath, lexiconDir, defaultLanguage string) *Registry {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	return &Registry{loader: loader, packPath: packPath, lexiconDir: lexiconDir, language: defaultLanguage}
}

// PackPath returns the active rulepack path
func (r *Registry) PackPath() string { return r.packPath }

// LexiconDir returns the lexicon directory
func (r *Registry) LexiconDir() string { return r.lexiconDir }

// Rulepack returns the active rulepack
func (r *Registry) Rulepack() (*Rulepack, error) {
	return r.loader.Load(r.packPath)
}

// Lexicon returns the lexicon for language, or the default language when empty
func (r *Registry) Lexicon(language string) (*WeakLexicon, error) {
	if language == "" {
		language = r.language
	}
	return r.loader.Lexicon(r.lexiconDir, language)
}

// Reload re-reads the active rulepack and the default-language lexicon
func (r *Registry) Reload() (*Rulepack, error) {
	pack, err := r.loader.Reload(r.packPath)
	if err != nil {
		return nil, fmt.Errorf("reload rulepack: %w", err)
	}
	if _, err := r.loader.ReloadLexicon(r.lexiconDir, r.language); err != nil {
		return pack, fmt.Errorf("reload lexicon: %w", err)
	}
	return pack, nil
}

// Infos lists cached rulepacks, marking the active one
func (r *Registry) Infos() []Info {
	active := packKey(r.packPath)
	var out []Info
	for _, p := range r.loader.Rulepacks() {
		info := p.Info()
		info.Active = packKey(p.Path) == active
		out = append(out, info)
	}
	return out
}
