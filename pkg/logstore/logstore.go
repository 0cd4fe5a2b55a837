// Package logstore buffers the logs of active runs and archives them when
// runs finish.
package logstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/hostedops/deployoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// maxLogSize caps the number of entries kept per run. Overflow is dropped
// after a single truncation notice.
const maxLogSize = 10000

// RunLog is the log of one run: entries per step, plus the id of the last
// entry for continuation.
type RunLog struct {
	Entries map[deployment.Step][]deployment.LogEntry `json:"entries"`
	LastID  int64                                     `json:"lastId"`
}

// Store buffers and archives run logs.
type Store interface {
	// Append stores entries for one step of the active run of a job,
	// assigning monotonic entry ids.
	Append(ctx context.Context, id deployment.ApplicationID, t deployment.JobType, step deployment.Step, entries []deployment.LogEntry) error

	// ReadActive returns the buffered log of the active run of a job, with
	// entries after the given id threshold.
	ReadActive(ctx context.Context, id deployment.ApplicationID, t deployment.JobType, after int64) (RunLog, error)

	// ReadFinished returns the archived log of a finished run, or nil when
	// none exists.
	ReadFinished(ctx context.Context, id deployment.RunID, after int64) (*RunLog, error)

	// Flush archives the buffered log under the given run id and clears the
	// buffer.
	Flush(ctx context.Context, id deployment.RunID) error

	// DeleteRun removes the archived log of one run.
	DeleteRun(ctx context.Context, id deployment.RunID) error

	// Delete removes all logs of an application.
	Delete(ctx context.Context, id deployment.ApplicationID) error
}

// Compile-time interface check.
var _ Store = (*logStore)(nil)

type logStore struct {
	log logrus.FieldLogger
	db  store.Store
}

// New creates a log store persisting through the given durable store.
func New(log logrus.FieldLogger, db store.Store) Store {
	return &logStore{
		log: log.WithField("component", "logstore"),
		db:  db,
	}
}

type storedEntry struct {
	Step deployment.Step `json:"step"`
	deployment.LogEntry
}

type logDocument struct {
	NextID    int64         `json:"nextId"`
	Truncated bool          `json:"truncated"`
	Entries   []storedEntry `json:"entries"`
}

func activeKey(id deployment.ApplicationID, t deployment.JobType) string {
	return "log/" + id.String() + "/active/" + t.String()
}

func archiveKey(id deployment.RunID) string {
	return "log/" + id.Application.String() + "/archive/" + id.Type.String() +
		"/" + strconv.FormatInt(id.Number, 10)
}

func applicationLogPrefix(id deployment.ApplicationID) string {
	return "log/" + id.String() + "/"
}

func (s *logStore) readDocument(ctx context.Context, key string) (*logDocument, error) {
	data, err := s.db.ReadDocument(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading log %q: %w", key, err)
	}

	if data == nil {
		return nil, nil
	}

	var doc logDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing log %q: %w", key, err)
	}

	return &doc, nil
}

func (s *logStore) writeDocument(ctx context.Context, key string, doc *logDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serialising log %q: %w", key, err)
	}

	if err := s.db.WriteDocument(ctx, key, data); err != nil {
		return fmt.Errorf("writing log %q: %w", key, err)
	}

	return nil
}

func (s *logStore) Append(
	ctx context.Context,
	id deployment.ApplicationID,
	t deployment.JobType,
	step deployment.Step,
	entries []deployment.LogEntry,
) error {
	if len(entries) == 0 {
		return nil
	}

	key := activeKey(id, t)

	doc, err := s.readDocument(ctx, key)
	if err != nil {
		return err
	}

	if doc == nil {
		doc = &logDocument{}
	}

	for _, entry := range entries {
		if len(doc.Entries) >= maxLogSize {
			if !doc.Truncated {
				doc.Entries = append(doc.Entries, storedEntry{
					Step: step,
					LogEntry: deployment.LogEntry{
						ID:      doc.NextID,
						AtMs:    entry.AtMs,
						Level:   deployment.LevelWarning,
						Message: "Log truncated — size limit reached.",
					},
				})
				doc.NextID++
				doc.Truncated = true
			}

			break
		}

		entry.ID = doc.NextID
		doc.NextID++
		doc.Entries = append(doc.Entries, storedEntry{Step: step, LogEntry: entry})
	}

	return s.writeDocument(ctx, key, doc)
}

func runLogOf(doc *logDocument, after int64) RunLog {
	log := RunLog{Entries: map[deployment.Step][]deployment.LogEntry{}, LastID: -1}

	if doc == nil {
		return log
	}

	for _, entry := range doc.Entries {
		if entry.ID <= after {
			continue
		}

		log.Entries[entry.Step] = append(log.Entries[entry.Step], entry.LogEntry)

		if entry.ID > log.LastID {
			log.LastID = entry.ID
		}
	}

	return log
}

func (s *logStore) ReadActive(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType, after int64,
) (RunLog, error) {
	doc, err := s.readDocument(ctx, activeKey(id, t))
	if err != nil {
		return RunLog{}, err
	}

	return runLogOf(doc, after), nil
}

func (s *logStore) ReadFinished(
	ctx context.Context, id deployment.RunID, after int64,
) (*RunLog, error) {
	doc, err := s.readDocument(ctx, archiveKey(id))
	if err != nil {
		return nil, err
	}

	if doc == nil {
		return nil, nil
	}

	log := runLogOf(doc, after)

	return &log, nil
}

func (s *logStore) Flush(ctx context.Context, id deployment.RunID) error {
	key := activeKey(id.Application, id.Type)

	doc, err := s.readDocument(ctx, key)
	if err != nil {
		return err
	}

	if doc == nil {
		return nil
	}

	if err := s.writeDocument(ctx, archiveKey(id), doc); err != nil {
		return err
	}

	if err := s.db.DeleteDocument(ctx, key); err != nil {
		return fmt.Errorf("clearing log buffer of %s: %w", id, err)
	}

	return nil
}

func (s *logStore) DeleteRun(ctx context.Context, id deployment.RunID) error {
	if err := s.db.DeleteDocument(ctx, archiveKey(id)); err != nil {
		return fmt.Errorf("deleting log of %s: %w", id, err)
	}

	return nil
}

func (s *logStore) Delete(ctx context.Context, id deployment.ApplicationID) error {
	if err := s.db.DeleteDocuments(ctx, applicationLogPrefix(id)); err != nil {
		return fmt.Errorf("deleting logs of %s: %w", id, err)
	}

	return nil
}
