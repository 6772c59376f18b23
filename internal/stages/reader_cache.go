package stages

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"meshflow/internal/metrics"
	"meshflow/pkg/bstream"
	"meshflow/pkg/metadata"
)

// frameworkVersion participates in the cache hash so a new release never
// reuses a stale metadata layout.
const frameworkVersion = "meshflow-0.1.0"

const (
	cacheMagic   = "MFMD"
	cacheVersion = 1
	cacheExt     = ".tmd"

	// noCacheEnv disables the on-disk metadata cache entirely.
	noCacheEnv = "MESHFLOW_NO_METADATA_CACHE"
)

// cacheHash fingerprints everything the reported metadata depends on: the
// framework version, the canonical data path, the ordered file list and
// every reader property.
func (r *CFReader) cacheHash(root string, files []string) string {
	h := sha1.New()
	h.Write([]byte(frameworkVersion))
	h.Write([]byte{0})
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	h.Write([]byte(abs))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(files, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(r.Properties().Fingerprint()))
	return hex.EncodeToString(h.Sum(nil))
}

// cacheDirs returns the cache search path in priority order: HOME, the
// working directory, the data root and the user-configured directory.
func (r *CFReader) cacheDirs(root string) []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, home)
	}
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	if root != "" {
		dirs = append(dirs, root)
	}
	if d := r.Properties().GetString("metadata_cache_dir"); d != "" {
		dirs = append(dirs, d)
	}
	return dirs
}

// scanWithCache consults the on-disk metadata cache before falling back to
// a full scan, writing the result back on a miss. Cache failures are always
// recoverable: a bad cache file falls through to the next search path and
// finally to the scan.
func (r *CFReader) scanWithCache() *metadata.Metadata {
	if os.Getenv(noCacheEnv) != "" {
		return r.scan()
	}
	root, files, err := r.enumerate()
	if err != nil {
		return nil
	}
	hash := r.cacheHash(root, files)
	name := "." + hash + cacheExt
	dirs := r.cacheDirs(root)

	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		md, err := loadCache(path)
		if err != nil {
			if !os.IsNotExist(err) {
				r.Log().WithFields(logrus.Fields{
					"path":  path,
					"error": err.Error(),
				}).Warn("Unreadable metadata cache, trying next path")
			}
			continue
		}
		metrics.MetadataCache.WithLabelValues("hit").Inc()
		r.Log().WithField("path", path).Debug("Loaded metadata from cache")
		return md
	}

	metrics.MetadataCache.WithLabelValues("miss").Inc()
	md := r.scan()
	if md == nil {
		return nil
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if err := storeCache(path, md); err != nil {
			continue
		}
		r.Log().WithField("path", path).Debug("Wrote metadata cache")
		break
	}
	return md
}

// loadCache reads and verifies one cache file.
func loadCache(path string) (*metadata.Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := bstream.FromBytes(raw)
	magic := make([]byte, len(cacheMagic))
	for i := range magic {
		if magic[i], err = s.ConsumeUint8(); err != nil {
			return nil, err
		}
	}
	if string(magic) != cacheMagic {
		return nil, errBadCache("bad magic")
	}
	v, err := s.ConsumeUint32()
	if err != nil {
		return nil, err
	}
	if v != cacheVersion {
		return nil, errBadCache("version mismatch")
	}
	payload, err := s.ConsumeBytes()
	if err != nil {
		return nil, err
	}
	sum, err := s.ConsumeUint64()
	if err != nil {
		return nil, err
	}
	if bstream.FromBytes(payload).Checksum() != sum {
		return nil, errBadCache("checksum mismatch")
	}
	return metadata.Deserialize(payload)
}

// storeCache writes the cache with create-exclusive temp-then-rename
// semantics, world-readable and group-writable.
func storeCache(path string, md *metadata.Metadata) error {
	payload := md.Serialize()
	s := bstream.New()
	s.AppendRaw([]byte(cacheMagic))
	s.AppendUint32(cacheVersion)
	s.AppendBytes(payload)
	s.AppendUint64(bstream.FromBytes(payload).Checksum())

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return err
	}
	if _, err := f.Write(s.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

type errBadCache string

func (e errBadCache) Error() string { return "metadata cache: " + string(e) }
