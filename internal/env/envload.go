// Package env loads DeviceAgent settings from a .env file into the process
// environment.
package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FileVar names an explicit .env file, bypassing the directory search.
const FileVar = "DEVICEAGENT_ENV_FILE"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads DEVICEAGENT_ENV_FILE, or else the nearest .env found from the
// working directory upwards. Variables already set in the process win. Only
// the first call does any work.
func Ensure() error {
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load()
	})
	return loadErr
}

// LoadedPath returns the .env path that was loaded, or "".
func LoadedPath() string {
	return loadedPath
}

func load() (string, error) {
	path := strings.TrimSpace(os.Getenv(FileVar))
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "resolve working directory")
		}
		path, err = findDotEnv(wd)
		if err != nil {
			log.Debug().Err(err).Msg("deviceagent: search .env failed")
			return "", err
		}
		if path == "" {
			return "", nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("deviceagent: load .env failed")
		return "", errors.Wrapf(err, "load %s", path)
	}
	log.Debug().Str("dotenv", path).Msg("deviceagent: loaded .env")
	return path, nil
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

// findDotEnv walks from dir to the filesystem root and returns the first
// regular .env file, or "" when there is none.
func findDotEnv(dir string) (string, error) {
	for {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !os.IsNotExist(err):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}
