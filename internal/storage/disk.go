// Package storage writes uploaded payment-proof files under a single
// directory of an afero file system and serves them back over HTTP.
package storage

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrInvalidName is returned for names that would escape the upload directory.
var ErrInvalidName = errors.New("invalid file name")

var extPattern = regexp.MustCompile(`^\.[a-z0-9]{1,10}$`)

// StoredFile describes bytes written by Save.
type StoredFile struct {
	Name string
	Size int64
}

// Disk stores files in dir on fs.
type Disk struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewDisk creates dir on fs if needed and returns a store rooted there.
func NewDisk(fs afero.Fs, dir string) (*Disk, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", dir, err)
	}
	return &Disk{fs: fs, dir: dir, now: time.Now}, nil
}

// Save copies r into a new file named <unix millis>-<uuid><ext>. The file is
// created exclusively, so an existing name is never overwritten. On a failed
// copy the partial file is removed.
func (d *Disk) Save(ext string, r io.Reader) (StoredFile, error) {
	ext = strings.ToLower(ext)
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	name := strconv.FormatInt(d.now().UnixMilli(), 10) + "-" + uuid.NewString() + ext
	full := path.Join(d.dir, name)

	f, err := d.fs.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return StoredFile{}, fmt.Errorf("create %s: %w", name, err)
	}

	n, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = d.fs.Remove(full)
		return StoredFile{}, fmt.Errorf("write %s: %w", name, err)
	}

	return StoredFile{Name: name, Size: n}, nil
}

// Remove deletes a stored file by name.
func (d *Disk) Remove(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return ErrInvalidName
	}
	return d.fs.Remove(path.Join(d.dir, name))
}

// FileSystem exposes the stored files for http.FileServer. Directories are
// reported as missing, so the upload directory cannot be listed.
func (d *Disk) FileSystem() http.FileSystem {
	return filesOnly{afero.NewHttpFs(afero.NewBasePathFs(d.fs, d.dir)).Dir("/")}
}

type filesOnly struct {
	fs http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.fs.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, os.ErrNotExist
	}
	return file, nil
}
