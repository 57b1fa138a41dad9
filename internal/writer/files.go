package writer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prxssh/rabbit/internal/metainfo"
)

const partSuffix = ".part"

// dataFile is one constituent file of the torrent, mapped onto a byte
// range of the logical piece stream.
type dataFile struct {
	finalPath string
	partPath  string
	offset    int64
	length    int64

	f       *os.File
	written int64 // bytes written so far within [offset, offset+length)
	done    bool  // true once every byte in [offset, offset+length) verified and the file renamed to finalPath
}

// layout builds the on-disk file set for a torrent under destDir.
//
// Single-file torrents write directly to destDir/<name>.part, renamed to
// destDir/<name> on completion — never nested under an extra <name>/<name>
// directory. Multi-file torrents write under destDir/<name>/ with each
// constituent file given its own .part suffix.
func layout(mi *metainfo.Metainfo, destDir string) ([]*dataFile, error) {
	if !mi.IsMultiFile() {
		finalPath := filepath.Join(destDir, mi.Info.Name)
		df, err := openDataFile(finalPath, mi.Info.Length, 0)
		if err != nil {
			return nil, err
		}
		return []*dataFile{df}, nil
	}

	root := filepath.Join(destDir, mi.Info.Name)
	files := make([]*dataFile, 0, len(mi.Info.Files))
	var offset int64
	for _, f := range mi.Info.Files {
		rel := filepath.Join(f.Path...)
		finalPath := filepath.Join(root, rel)

		df, err := openDataFile(finalPath, f.Length, offset)
		if err != nil {
			for _, opened := range files {
				opened.f.Close()
			}
			return nil, err
		}
		files = append(files, df)
		offset += f.Length
	}

	return files, nil
}

func openDataFile(finalPath string, length, offset int64) (*dataFile, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(finalPath), err)
	}

	// A previous run may have already completed and renamed this file;
	// treat it as done rather than truncating finished work.
	if fi, err := os.Stat(finalPath); err == nil && fi.Size() == length {
		f, err := os.OpenFile(finalPath, os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", finalPath, err)
		}
		return &dataFile{finalPath: finalPath, offset: offset, length: length, f: f, written: length, done: true}, nil
	}

	partPath := finalPath + partSuffix
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", partPath, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate %s: %w", partPath, err)
	}

	return &dataFile{finalPath: finalPath, partPath: partPath, offset: offset, length: length, f: f}, nil
}

// finalize renames a fully-written file from its .part path to its final
// destination. A no-op if the file has no .part path (already complete on
// open) or was already finalized.
func (df *dataFile) finalize() error {
	if df.done || df.partPath == "" {
		return nil
	}
	if err := df.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", df.partPath, err)
	}
	if err := os.Rename(df.partPath, df.finalPath); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", df.partPath, df.finalPath, err)
	}
	df.done = true
	return nil
}
