package molten

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	goruntime "runtime"

	"github.com/moltenwasm/molten/internal/artifactcache"
	"github.com/moltenwasm/molten/internal/version"
)

// Cache persists compiled artifacts across engine lifetimes and process
// restarts. Without one, artifacts are only cached in memory for the lifetime
// of the owning Engine.
//
// Configure exactly one backend before passing the cache to
// EngineConfig.WithCache. A cache is only valid for use in one Engine at a
// time; concurrent use of that Engine is supported, but multiple engines must
// not share the same directory or database file.
type Cache interface {
	// WithDirName persists artifacts as files under dir, one per module
	// content and target. If dir doesn't exist, it is created.
	//
	// Entries are written under a subdirectory tied to the running version,
	// architecture and OS, so upgrading the library abandons stale entries
	// instead of misreading them.
	//
	// Note: The embedder must safeguard this directory from external changes.
	WithDirName(dir string) error

	// WithDatabasePath persists artifacts in a single bbolt database file at
	// path, created if absent. The file is locked for the lifetime of the
	// cache; Close releases it.
	WithDatabasePath(path string) error

	// Close releases any resources the configured backend holds.
	Close(ctx context.Context) error

	// backend returns the configured store, or nil. Implementations other
	// than NewCache's are not supported.
	backend() artifactcache.Cache
}

// NewCache returns an unconfigured Cache to be set up with WithDirName or
// WithDatabasePath and passed to EngineConfig.WithCache.
func NewCache() Cache {
	return &cache{}
}

// cache implements the Cache interface.
type cache struct {
	store artifactcache.Cache
	// db is the bbolt handle when WithDatabasePath configured the store. The
	// file backend has nothing to release.
	db *artifactcache.BoltCache
}

// WithDirName implements the same method on the Cache interface.
func (c *cache) WithDirName(dir string) error {
	return c.withDirName(dir, version.GetMoltenVersion())
}

func (c *cache) withDirName(dir, moltenVersion string) error {
	if c.store != nil {
		return errors.New("cache backend is already configured")
	}

	// Resolve a potentially relative directory into an absolute one.
	var err error
	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}

	// Ensure the user-supplied directory.
	if err = mkdir(dir); err != nil {
		return err
	}

	// Create a version-specific directory to avoid conflicts.
	dirname := path.Join(dir, "molten-"+moltenVersion+"-"+goruntime.GOARCH+"-"+goruntime.GOOS)
	if err = mkdir(dirname); err != nil {
		return err
	}

	c.store = artifactcache.NewCompressedCache(artifactcache.NewFileCache(dirname))
	return nil
}

// WithDatabasePath implements the same method on the Cache interface.
func (c *cache) WithDatabasePath(dbPath string) error {
	if c.store != nil {
		return errors.New("cache backend is already configured")
	}

	dbPath, err := filepath.Abs(dbPath)
	if err != nil {
		return err
	}
	if err = mkdir(filepath.Dir(dbPath)); err != nil {
		return err
	}

	db, err := artifactcache.NewBoltCache(dbPath)
	if err != nil {
		return err
	}
	c.db = db
	c.store = artifactcache.NewCompressedCache(db)
	return nil
}

// Close implements the same method on the Cache interface.
func (c *cache) Close(_ context.Context) (err error) {
	if c.db != nil {
		err = c.db.Close()
		c.db = nil
	}
	c.store = nil
	return
}

func (c *cache) backend() artifactcache.Cache {
	return c.store
}

func mkdir(dirname string) error {
	if st, err := os.Stat(dirname); errors.Is(err, os.ErrNotExist) {
		// If the directory not found, create the cache dir.
		if err = os.MkdirAll(dirname, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %v", dirname, err)
		}
	} else if err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("%s is not dir", dirname)
	}
	return nil
}
