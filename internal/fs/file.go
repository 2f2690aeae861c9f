package fs

import (
	"io"
	"os"
)

// File is a read-only handle on a file that may still be appended to by other writers.
type File interface {
	io.ReaderAt
	io.Closer
	Size() (int64, error)
}

// FileProvider opens files for shared reading.
type FileProvider interface {
	OpenShared(path string) (File, error)
}

// OSFiles opens files from the local filesystem. Writers keep full access to the file
// while it is open here.
type OSFiles struct{}

func (OSFiles) OpenShared(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

type osFile struct {
	*os.File
}

func (f osFile) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadSample returns up to textDetectionSampleSize bytes from the start of path.
func ReadSample(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return io.ReadAll(io.LimitReader(f, textDetectionSampleSize))
}
