package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log logrus.FieldLogger
	dir string
}

// NewLocal creates a Store backed by a directory tree.
func NewLocal(log logrus.FieldLogger, dir string) Store {
	return &localStore{
		log: log.WithField("component", "artifact"),
		dir: dir,
	}
}

func (s *localStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

func (s *localStore) write(key string, pkg []byte) error {
	path := s.path(key)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating package directory: %w", err)
	}

	if err := os.WriteFile(path, pkg, 0644); err != nil {
		return fmt.Errorf("writing package %q: %w", key, err)
	}

	return nil
}

func (s *localStore) read(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("reading package %q: %w", key, err)
	}

	return data, nil
}

func (s *localStore) Put(
	_ context.Context, id deployment.ApplicationID, version deployment.ApplicationVersion, pkg []byte,
) error {
	return s.write(versionKey(id, version), pkg)
}

func (s *localStore) PutTester(
	_ context.Context, id deployment.TesterID, version deployment.ApplicationVersion, pkg []byte,
) error {
	return s.write(testerKey(id, version), pkg)
}

func (s *localStore) Get(
	_ context.Context, id deployment.ApplicationID, version deployment.ApplicationVersion,
) ([]byte, error) {
	return s.read(versionKey(id, version))
}

func (s *localStore) GetTester(
	_ context.Context, id deployment.TesterID, version deployment.ApplicationVersion,
) ([]byte, error) {
	return s.read(testerKey(id, version))
}

func (s *localStore) PutDev(
	_ context.Context, id deployment.ApplicationID, zone deployment.ZoneID, pkg []byte,
) error {
	return s.write(devKey(id, zone), pkg)
}

func (s *localStore) GetDev(
	_ context.Context, id deployment.ApplicationID, zone deployment.ZoneID,
) ([]byte, error) {
	return s.read(devKey(id, zone))
}

func (s *localStore) Prune(
	_ context.Context, id deployment.ApplicationID, oldestKept deployment.ApplicationVersion,
) error {
	if oldestKept.IsUnknown() {
		return nil
	}

	for _, dir := range []string{
		filepath.Join(s.dir, id.String(), "builds"),
		filepath.Join(s.dir, id.Tester().ID.String(), "tests"),
	} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return fmt.Errorf("listing packages of %s: %w", id, err)
		}

		for _, entry := range entries {
			number, ok := buildNumberOf(entry.Name())
			if !ok || number >= oldestKept.BuildNumber {
				continue
			}

			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return fmt.Errorf("pruning package %q: %w", entry.Name(), err)
			}

			s.log.WithFields(logrus.Fields{
				"application": id.String(),
				"package":     entry.Name(),
			}).Debug("Pruned package")
		}
	}

	return nil
}

func (s *localStore) Delete(_ context.Context, id deployment.ApplicationID) error {
	for _, dir := range []string{
		filepath.Join(s.dir, id.String()),
		filepath.Join(s.dir, id.Tester().ID.String()),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("deleting packages of %s: %w", id, err)
		}
	}

	return nil
}

// buildNumberOf extracts the build number from a package file name of the
// form <commit>-<number>.zip.
func buildNumberOf(name string) (int64, bool) {
	name = strings.TrimSuffix(name, ".zip")

	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return 0, false
	}

	number, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}

	return number, true
}
