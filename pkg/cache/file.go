package cache

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

// FileStore keeps the snapshot as a JSON document on local disk.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (fs *FileStore) Load(ctx context.Context) (Snapshot, error) {
	data, err := ioutil.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNoSnapshot
		}
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := jsoniter.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("invalid snapshot in %s: %w", fs.path, err)
	}
	return snapshot, nil
}

// Save writes the snapshot to a temporary file and renames it into place, so readers never see a partial write.
func (fs *FileStore) Save(ctx context.Context, snapshot Snapshot) error {
	data, err := jsoniter.Marshal(&snapshot)
	if err != nil {
		return err
	}
	tmp, err := ioutil.TempFile(filepath.Dir(fs.path), filepath.Base(fs.path)+".tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), fs.path)
}
