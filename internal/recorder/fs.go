package recorder

import (
	"fmt"
	"os"
	"path"

	"github.com/opennetcam/vchannel/internal/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CheckFsPermissions creates the recording directory when missing and
// verifies that files with the configured mode can be created in it.
func CheckFsPermissions(cfg config.Recorder) error {
	dir := path.Clean(cfg.Directory)

	dirMode, err := config.ParseFileMode(cfg.DirFileMode)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return errors.Wrapf(err, "cannot create recorder directory %s", dir)
	}
	if err := checkDirectory(dir); err != nil {
		return err
	}

	fileMode, err := config.ParseFileMode(cfg.FileMode)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".rec-file-perm-check-*")
	if err != nil {
		return errors.Wrap(err, "recorder directory is not writable")
	}

	defer func() {
		_ = tmpFile.Close()
		if err := os.Remove(tmpFile.Name()); err != nil {
			log.WithField("file", tmpFile.Name()).Warnf("could not remove permission check file: %v", err)
		}
	}()

	if err := tmpFile.Chmod(fileMode); err != nil {
		return errors.Wrapf(err, "cannot apply file mode %s", cfg.FileMode)
	}

	return nil
}

// prepareFile resolves file below the recording directory, creating the
// day directory as needed. The returned path does not exist yet.
func prepareFile(cfg config.Recorder, file string) (string, os.FileMode, error) {
	fileMode, err := config.ParseFileMode(cfg.FileMode)
	if err != nil {
		return "", 0, err
	}
	if cfg.WriteToDevNull {
		return os.DevNull, fileMode, nil
	}

	dir := path.Clean(cfg.Directory)
	if err := checkDirectory(dir); err != nil {
		return "", 0, err
	}

	file = path.Clean(dir + string(os.PathSeparator) + file)
	fileDir := path.Dir(file)

	if _, err := os.Stat(fileDir); err != nil {
		if !os.IsNotExist(err) {
			return "", 0, fmt.Errorf("file directory is not accessible %s", fileDir)
		}
		dirMode, err := config.ParseFileMode(cfg.DirFileMode)
		if err != nil {
			return "", 0, err
		}
		if err := os.MkdirAll(fileDir, dirMode); err != nil && !os.IsExist(err) {
			return "", 0, fmt.Errorf("file directory could not be created %s", fileDir)
		}
	}

	if _, err := os.Stat(file); !os.IsNotExist(err) {
		return "", 0, fmt.Errorf("file already exists %s", file)
	}

	return file, fileMode, nil
}

func openFile(file string, mode os.FileMode) (*os.File, error) {
	if file == os.DevNull {
		return os.OpenFile(file, os.O_WRONLY, mode)
	}
	return os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
}

func checkDirectory(dir string) error {
	fileInfo, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("recorder directory does not exist: %s", dir)
		}
		return fmt.Errorf("could not stat recorder directory %s: %w", dir, err)
	}
	if !fileInfo.IsDir() {
		return fmt.Errorf("recorder path is not a directory: %s", dir)
	}
	return nil
}
