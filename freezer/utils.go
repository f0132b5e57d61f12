package freezer

import (
	"io"
	"os"
)

// openFileForAppend opens a freezer file and seeks to the end.
func openFileForAppend(filename string) (*os.File, error) {
	// Open the file without the O_APPEND flag because it has differing
	// behaviour during Truncate operations on different OS's.
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	// Seek to end for append
	if _, err = file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

// openFileReadOnly opens a freezer file for read only access.
func openFileReadOnly(filename string) (*os.File, error) {
	return os.OpenFile(filename, os.O_RDONLY, 0644)
}

// openFileTruncated opens a freezer file, making sure it is truncated.
func openFileTruncated(filename string) (*os.File, error) {
	return os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// truncateFile resizes a freezer file and seeks to the end.
func truncateFile(file *os.File, size int64) error {
	if err := file.Truncate(size); err != nil {
		return err
	}
	// Seek to end for append
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}
