// Package store is the filesystem-backed durable message store.
//
// Every record lives in its own file named <id>.msg under one of three
// directories below the store root:
//
//	pending/   messages whose handler called Persistence and has not completed
//	errors/    messages whose handling failed and await a retry
//	outbound/  messages published while the broker was unreachable
//
// Writes go to a hidden temp file in the target directory which is fsynced
// and renamed over the final name, so readers never observe a partial record.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/drblury/localbus/internal/runtime/envelope"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
)

// Location names a store directory.
type Location string

const (
	Pending  Location = "pending"
	Errors   Location = "errors"
	Outbound Location = "outbound"
)

// Locations lists every directory the store manages.
var Locations = []Location{Pending, Errors, Outbound}

const (
	fileExt   = ".msg"
	tmpMarker = ".tmp-"
	dirPerm   = 0o750
	filePerm  = 0o640
)

// FileStore reads and writes durable message records.
type FileStore struct {
	root  string
	codec envelope.Codec
}

// Open prepares the directory layout below root and removes temp files left
// behind by an interrupted write.
func Open(root string, codec envelope.Codec) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("store: root directory is required")
	}
	if codec == nil {
		codec = envelope.CBOR
	}
	s := &FileStore{root: root, codec: codec}
	for _, loc := range Locations {
		dir := s.dir(loc)
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, &errspkg.StoreIOError{Op: "mkdir", Path: dir, Err: err}
		}
		if err := s.sweepTemp(dir); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *FileStore) Root() string          { return s.root }
func (s *FileStore) Codec() envelope.Codec { return s.codec }

// Path returns the final file path of id in loc.
func (s *FileStore) Path(loc Location, id string) string {
	return filepath.Join(s.dir(loc), id+fileExt)
}

func (s *FileStore) dir(loc Location) string {
	return filepath.Join(s.root, string(loc))
}

// Write stores info in loc, replacing any existing record with the same id.
func (s *FileStore) Write(loc Location, info envelope.MessageInfo) error {
	if err := ValidateID(info.ID); err != nil {
		return err
	}
	data, err := envelope.EncodeInfo(s.codec, info)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", info.ID, err)
	}

	final := s.Path(loc, info.ID)
	tmp, err := os.CreateTemp(s.dir(loc), "."+info.ID+fileExt+tmpMarker+"*")
	if err != nil {
		return &errspkg.StoreIOError{Op: "create", Path: final, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return &errspkg.StoreIOError{Op: "write", Path: final, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return &errspkg.StoreIOError{Op: "sync", Path: final, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &errspkg.StoreIOError{Op: "close", Path: final, Err: err}
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return &errspkg.StoreIOError{Op: "chmod", Path: final, Err: err}
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return &errspkg.StoreIOError{Op: "rename", Path: final, Err: err}
	}
	return syncDir(s.dir(loc))
}

// Load reads the record id from loc. A missing file yields ErrRecordNotFound;
// an unparsable one yields *errors.CorruptRecordError.
func (s *FileStore) Load(loc Location, id string) (envelope.MessageInfo, error) {
	if err := ValidateID(id); err != nil {
		return envelope.MessageInfo{}, err
	}
	path := s.Path(loc, id)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return envelope.MessageInfo{}, fmt.Errorf("%w: %s", errspkg.ErrRecordNotFound, path)
		}
		return envelope.MessageInfo{}, &errspkg.StoreIOError{Op: "read", Path: path, Err: err}
	}
	info, err := envelope.DecodeInfo(s.codec, data)
	if err != nil {
		return envelope.MessageInfo{}, &errspkg.CorruptRecordError{Path: path, Err: err}
	}
	if info.ID != id {
		return envelope.MessageInfo{}, &errspkg.CorruptRecordError{
			Path: path,
			Err:  fmt.Errorf("record id %q does not match file name", info.ID),
		}
	}
	return info, nil
}

// Remove deletes id from loc. Removing a missing record is not an error.
func (s *FileStore) Remove(loc Location, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	path := s.Path(loc, id)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &errspkg.StoreIOError{Op: "remove", Path: path, Err: err}
	}
	return syncDir(s.dir(loc))
}

// Exists reports whether id is present in loc.
func (s *FileStore) Exists(loc Location, id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.Path(loc, id))
	return err == nil
}

// List returns the ids stored in loc in lexical order, which for ULIDs is
// creation order.
func (s *FileStore) List(loc Location) ([]string, error) {
	dir := s.dir(loc)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &errspkg.StoreIOError{Op: "list", Path: dir, Err: err}
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of records in loc.
func (s *FileStore) Count(loc Location) (int, error) {
	ids, err := s.List(loc)
	return len(ids), err
}

func (s *FileStore) sweepTemp(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &errspkg.StoreIOError{Op: "list", Path: dir, Err: err}
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") && strings.Contains(name, tmpMarker) {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}

// ValidateID rejects ids that cannot safely be used as a file name.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, `/\`+"\x00") || len(id) > 200 {
		return fmt.Errorf("%w: %q", errspkg.ErrInvalidMessageID, id)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return &errspkg.StoreIOError{Op: "open", Path: dir, Err: err}
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return &errspkg.StoreIOError{Op: "sync", Path: dir, Err: err}
	}
	return nil
}
