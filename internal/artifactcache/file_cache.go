package artifactcache

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path"
)

// NewFileCache returns a Cache writing one file per entry into dir, which
// must already exist. The hex-encoded key is the file name.
func NewFileCache(dir string) Cache {
	return &fileCache{dirPath: dir}
}

type fileCache struct {
	dirPath string
}

func (f *fileCache) path(key Key) string {
	return path.Join(f.dirPath, hex.EncodeToString(key[:]))
}

func (f *fileCache) Get(key Key) (content io.ReadCloser, ok bool, err error) {
	content, err = os.Open(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func (f *fileCache) Add(key Key, content io.Reader) (err error) {
	file, err := os.Create(f.path(key))
	if err != nil {
		return
	}
	defer file.Close()
	_, err = io.Copy(file, content)
	return
}

func (f *fileCache) Delete(key Key) (err error) {
	err = os.Remove(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return
}
