package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CreateFile will create a file at the given path and file name combination. If the path is the empty string, the
// file will be created in the current working directory
func CreateFile(path string, fileName string) (*os.File, error) {
	// By default, the path will be the name of the file
	filePath := fileName

	if path != "" {
		// Make the directory, if it does not exist already
		if err := MakeDirectory(path); err != nil {
			return nil, err
		}
		filePath = filepath.Join(path, fileName)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return file, nil
}

// MakeDirectory creates a directory at the given path, including any parent directories which do not exist.
// Returns an error, if one occurred.
func MakeDirectory(dirToMake string) error {
	dirInfo, err := os.Stat(dirToMake)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.WithStack(os.MkdirAll(dirToMake, 0755))
		}
		return err
	}

	// dirToMake is a file, throw an error accordingly
	if !dirInfo.IsDir() {
		return fmt.Errorf("there is a file with the same name as %s", dirToMake)
	}
	return nil
}

// ResolveDirectory returns dir, or the working directory when dir is empty. The directory is created if needed.
func ResolveDirectory(dir string) (string, error) {
	if dir == "" {
		workingDirectory, err := os.Getwd()
		if err != nil {
			return "", errors.WithStack(err)
		}
		return workingDirectory, nil
	}
	if err := MakeDirectory(dir); err != nil {
		return "", err
	}
	return dir, nil
}
