package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*memoryStore)(nil)

// memoryStore keeps everything in process memory. It backs tests and
// throwaway controllers; serialisation still round-trips every run so the
// same code paths are exercised as with a database.
type memoryStore struct {
	log   logrus.FieldLogger
	locks *lockTable

	mu        sync.Mutex
	lastRuns  map[string][]byte // app|type -> run document
	history   map[string][]byte // app|type -> run documents
	documents map[string][]byte
}

// NewMemory creates an in-memory Store.
func NewMemory(log logrus.FieldLogger) Store {
	return &memoryStore{
		log:       log.WithField("component", "store"),
		locks:     newLockTable(log),
		lastRuns:  make(map[string][]byte),
		history:   make(map[string][]byte),
		documents: make(map[string][]byte),
	}
}

func (s *memoryStore) Start(_ context.Context) error { return nil }

func (s *memoryStore) Stop() error { return nil }

func (s *memoryStore) Lock(key string, timeout time.Duration) (Lease, error) {
	return s.locks.Lock(key, timeout)
}

func jobKey(id deployment.ApplicationID, t deployment.JobType) string {
	return id.String() + "|" + t.String()
}

func (s *memoryStore) ReadLastRun(
	_ context.Context, id deployment.ApplicationID, t deployment.JobType,
) (*deployment.Run, error) {
	s.mu.Lock()
	data, ok := s.lastRuns[jobKey(id, t)]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	return decodeRun(data)
}

func (s *memoryStore) WriteLastRun(_ context.Context, run deployment.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("serialising %s: %w", run.ID(), err)
	}

	s.mu.Lock()
	s.lastRuns[jobKey(run.ID().Application, run.ID().Type)] = data
	s.mu.Unlock()

	return nil
}

func (s *memoryStore) ReadHistoricRuns(
	_ context.Context, id deployment.ApplicationID, t deployment.JobType,
) ([]deployment.Run, error) {
	s.mu.Lock()
	data, ok := s.history[jobKey(id, t)]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	var runs []deployment.Run
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("deserialising history of %s %s: %w", id, t, err)
	}

	sortRunsByNumber(runs)

	return runs, nil
}

func (s *memoryStore) WriteHistoricRuns(
	_ context.Context, id deployment.ApplicationID, t deployment.JobType, runs []deployment.Run,
) error {
	sortRunsByNumber(runs)

	data, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("serialising history of %s %s: %w", id, t, err)
	}

	s.mu.Lock()
	s.history[jobKey(id, t)] = data
	s.mu.Unlock()

	return nil
}

func (s *memoryStore) DeleteJobData(
	_ context.Context, id deployment.ApplicationID, t deployment.JobType,
) error {
	s.mu.Lock()
	delete(s.lastRuns, jobKey(id, t))
	delete(s.history, jobKey(id, t))
	s.mu.Unlock()

	return nil
}

func (s *memoryStore) DeleteApplicationData(_ context.Context, id deployment.ApplicationID) error {
	prefix := id.String() + "|"

	s.mu.Lock()

	for key := range s.lastRuns {
		if strings.HasPrefix(key, prefix) {
			delete(s.lastRuns, key)
		}
	}

	for key := range s.history {
		if strings.HasPrefix(key, prefix) {
			delete(s.history, key)
		}
	}

	s.mu.Unlock()

	return nil
}

func (s *memoryStore) ApplicationsWithJobs(_ context.Context) ([]deployment.ApplicationID, error) {
	seen := make(map[string]bool)

	s.mu.Lock()

	for key := range s.lastRuns {
		appID, _, _ := strings.Cut(key, "|")
		seen[appID] = true
	}

	s.mu.Unlock()

	appIDs := make([]string, 0, len(seen))
	for appID := range seen {
		appIDs = append(appIDs, appID)
	}

	sort.Strings(appIDs)

	ids := make([]deployment.ApplicationID, 0, len(appIDs))

	for _, appID := range appIDs {
		id, err := deployment.ParseApplicationID(appID)
		if err != nil {
			return nil, fmt.Errorf("listing applications with jobs: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func (s *memoryStore) ReadDocument(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.documents[key]
	s.mu.Unlock()

	if !ok {
		return nil, nil
	}

	return append([]byte(nil), data...), nil
}

func (s *memoryStore) WriteDocument(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.documents[key] = append([]byte(nil), data...)
	s.mu.Unlock()

	return nil
}

func (s *memoryStore) DeleteDocument(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.documents, key)
	s.mu.Unlock()

	return nil
}

func (s *memoryStore) DeleteDocuments(_ context.Context, prefix string) error {
	s.mu.Lock()

	for key := range s.documents {
		if strings.HasPrefix(key, prefix) {
			delete(s.documents, key)
		}
	}

	s.mu.Unlock()

	return nil
}
