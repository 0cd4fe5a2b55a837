package deployment

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"
)

// runDocument is the persisted representation of a Run. Every field of the
// in-memory value round-trips through it.
type runDocument struct {
	ID                RunID               `json:"id"`
	Versions          Versions            `json:"versions"`
	Start             time.Time           `json:"start"`
	End               *time.Time          `json:"end,omitempty"`
	Status            RunStatus           `json:"status"`
	Steps             map[Step]StepStatus `json:"steps"`
	LastTestLogEntry  int64               `json:"lastTestLogEntry,omitempty"`
	TesterCertificate string              `json:"testerCertificate,omitempty"`
}

// MarshalJSON serialises the run for persistence.
func (r Run) MarshalJSON() ([]byte, error) {
	doc := runDocument{
		ID:               r.id,
		Versions:         r.versions,
		Start:            r.start,
		End:              r.end,
		Status:           r.status,
		Steps:            r.Steps(),
		LastTestLogEntry: r.lastTestLogEntry,
	}

	if r.testerCertificate != nil {
		doc.TesterCertificate = string(pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: r.testerCertificate.Raw,
		}))
	}

	return json.Marshal(doc)
}

// UnmarshalJSON restores a run from its persisted representation.
func (r *Run) UnmarshalJSON(data []byte) error {
	var doc runDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing run document: %w", err)
	}

	run := Run{
		id:               doc.ID,
		versions:         doc.Versions,
		start:            doc.Start,
		end:              doc.End,
		status:           doc.Status,
		steps:            doc.Steps,
		lastTestLogEntry: doc.LastTestLogEntry,
	}

	if doc.Steps == nil {
		run.steps = map[Step]StepStatus{}
	}

	if doc.TesterCertificate != "" {
		block, _ := pem.Decode([]byte(doc.TesterCertificate))
		if block == nil {
			return fmt.Errorf("parsing tester certificate of %s: no PEM block", doc.ID)
		}

		certificate, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parsing tester certificate of %s: %w", doc.ID, err)
		}

		run.testerCertificate = certificate
	}

	*r = run

	return nil
}
