package build

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
)

// TestingDir is the directory that contains all of the files and folders
// created during testing.
var TestingDir = filepath.Join(os.TempDir(), "ArchiveGridTesting")

// TempDir joins the provided directories and prefixes them with the testing
// directory, removing any stale contents left over from a previous run.
func TempDir(dirs ...string) string {
	path := filepath.Join(TestingDir, filepath.Join(dirs...))
	os.RemoveAll(path)
	return path
}

// CopyFile copies a file from a source to a destination.
func CopyFile(source, dest string) error {
	sf, err := os.Open(source)
	if err != nil {
		return err
	}
	defer sf.Close()

	df, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer df.Close()

	_, err = io.Copy(df, sf)
	return err
}

// CopyDir copies a directory and all of its contents to the destination
// directory.
func CopyDir(source, dest string) error {
	stat, err := os.Stat(source)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, stat.Mode()); err != nil {
		return err
	}
	entries, err := ioutil.ReadDir(source)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		newSource := filepath.Join(source, entry.Name())
		newDest := filepath.Join(dest, entry.Name())
		if entry.IsDir() {
			if err := CopyDir(newSource, newDest); err != nil {
				return err
			}
		} else if err := CopyFile(newSource, newDest); err != nil {
			return err
		}
	}
	return nil
}
