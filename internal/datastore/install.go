package datastore

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/apod-cache/internal/apperr"
	"github.com/sells-group/apod-cache/internal/model"
)

// install moves a downloaded file into the cache and makes it the slot's
// asset. On any error the previous asset and file stay in place.
func (d *DataStore) install(ctx context.Context, dc model.DownloadContext, location string) (*model.Asset, error) {
	d.installMu.Lock()
	defer d.installMu.Unlock()

	if err := os.MkdirAll(d.opts.CacheDir, 0o755); err != nil {
		return nil, apperr.Storage("datastore: install", eris.Wrap(err, "create cache dir"))
	}

	name := cacheFileName(dc)
	final := filepath.Join(d.opts.CacheDir, name)
	tmp := filepath.Join(d.opts.CacheDir, "."+name+".tmp")

	if err := relocate(location, tmp); err != nil {
		_ = os.Remove(tmp)
		return nil, apperr.Storage("datastore: install", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return nil, apperr.Storage("datastore: install", eris.Wrap(err, "rename into place"))
	}

	asset := dc.Asset().WithCachedLocation(final, time.Now().UTC())
	if err := d.store.SaveSlot(ctx, asset); err != nil {
		_ = os.Remove(final)
		return nil, apperr.Storage("datastore: install", err)
	}

	prev := d.slots[dc.Kind].Swap(asset)
	if prev != nil && prev.CachedLocation != "" && prev.CachedLocation != final {
		if err := os.Remove(prev.CachedLocation); err != nil && !os.IsNotExist(err) {
			zap.L().Warn("datastore: remove previous file", zap.String("path", prev.CachedLocation), zap.Error(err))
		}
	}

	zap.L().Info("datastore: slot updated",
		zap.String("kind", string(dc.Kind)),
		zap.String("remote_url", dc.RemoteURL),
		zap.String("path", final),
	)
	return asset, nil
}

// relocate moves src to dst, copying when a rename is not possible (for
// example across filesystems).
func relocate(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return eris.Wrap(err, "open downloaded file")
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return eris.Wrap(err, "create temp file")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrap(err, "copy downloaded file")
	}
	if err := out.Sync(); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrap(err, "sync temp file")
	}
	return eris.Wrap(out.Close(), "close temp file")
}

// cacheFileName names a cached file after its slot with the remote file's
// extension. Every install gets a fresh name so the previous file can be
// removed after the swap.
func cacheFileName(dc model.DownloadContext) string {
	return string(dc.Kind) + "-" + uuid.NewString() + extensionOf(dc.RemoteURL)
}

func extensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".bin"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 6 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return ext
}
