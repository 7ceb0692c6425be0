package automount

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/bavix/devpair/internal/devicelink"
	customerrors "github.com/bavix/devpair/internal/errors"
)

// Asset file names relative to the assets directory.
const (
	BuildManifestFile = "BuildManifest.plist"
	ImageFile         = "Image.dmg"
	TrustCacheFile    = "Image.dmg.trustcache"
)

const debounceDelay = 200 * time.Millisecond

// LoadAssets reads the three disk image files from dir.
func LoadAssets(dir string) (*devicelink.PersonalizedImage, error) {
	read := func(name string) ([]byte, error) {
		b, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // fixed names under the configured dir
		if err != nil {
			return nil, fmt.Errorf("%w: %w", customerrors.ErrAssetsNotLoaded, err)
		}

		return b, nil
	}

	manifest, err := read(BuildManifestFile)
	if err != nil {
		return nil, err
	}

	image, err := read(ImageFile)
	if err != nil {
		return nil, err
	}

	trustCache, err := read(TrustCacheFile)
	if err != nil {
		return nil, err
	}

	return &devicelink.PersonalizedImage{
		BuildManifest: manifest,
		Image:         image,
		TrustCache:    trustCache,
	}, nil
}

// Store holds the most recently loaded assets of one directory.
type Store struct {
	dir     string
	current atomic.Pointer[devicelink.PersonalizedImage]
	lastErr atomic.Pointer[error]

	mu        sync.Mutex
	timer     *time.Timer
	callbacks []func(error)
}

// NewStore makes a store for dir. Nothing is read until Reload.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir is the watched directory.
func (s *Store) Dir() string { return s.dir }

// Reload re-reads the directory. On failure the previous assets are kept.
func (s *Store) Reload() error {
	img, err := LoadAssets(s.dir)
	if err != nil {
		s.lastErr.Store(&err)

		return err
	}

	s.current.Store(img)
	s.lastErr.Store(nil)

	return nil
}

// Image returns the loaded assets or the reason they are missing.
func (s *Store) Image() (devicelink.PersonalizedImage, error) {
	if img := s.current.Load(); img != nil {
		return *img, nil
	}

	if errp := s.lastErr.Load(); errp != nil {
		return devicelink.PersonalizedImage{}, *errp
	}

	return devicelink.PersonalizedImage{}, customerrors.ErrAssetsNotLoaded
}

// Loaded reports whether a complete asset set is available.
func (s *Store) Loaded() bool { return s.current.Load() != nil }

// OnReload registers a callback invoked after every watch-triggered reload.
func (s *Store) OnReload(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callbacks = append(s.callbacks, cb)
}

// Watch reloads the assets whenever a file in the directory changes, until
// ctx is done. The directory must exist.
func (s *Store) Watch(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := fsw.Add(s.dir); err != nil {
		_ = fsw.Close()

		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	defer fsw.Close()

	for {
		select {
		case <-ctx.Done():
			s.stopTimer()

			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if !isAssetFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				logger.Debug().
					Str("file", event.Name).
					Str("op", event.Op.String()).
					Msg("asset change detected")

				s.debounceReload(logger)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func isAssetFile(path string) bool {
	switch filepath.Base(path) {
	case BuildManifestFile, ImageFile, TrustCacheFile:
		return true
	default:
		return false
	}
}

// debounceReload reloads once no change arrived for debounceDelay.
func (s *Store) debounceReload(logger *zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}

	s.timer = time.AfterFunc(debounceDelay, func() {
		err := s.Reload()
		if err != nil {
			logger.Warn().Err(err).Str("dir", s.dir).Msg("asset reload failed")
		} else {
			logger.Info().Str("dir", s.dir).Msg("assets reloaded")
		}

		s.mu.Lock()
		callbacks := slices.Clone(s.callbacks)
		s.mu.Unlock()

		for _, cb := range callbacks {
			cb(err)
		}
	})
}

func (s *Store) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
}
