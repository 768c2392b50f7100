package core

import (
	"errors"
)

// AuditManager records audit events (such as the CLI's manual audit) as
// `audit` ledger records, optionally mirrored to a local AuditTrail file for
// off-chain redundancy. The storage audit loop does not go through it:
// StorageManager records each repair as a shard_repair record, and
// FusionPipeline appends its own audit record after a reconstruction.
// Unlike the teacher's package-
// level singleton, one AuditManager is constructed and owned by the node
// (spec §9: no global mutable singletons).
type AuditManager struct {
	ledger LedgerAppend
	trail  *AuditTrail
}

// NewAuditManager constructs an audit manager backed by ledger for
// on-chain audit records. A non-empty trailPath additionally enables
// on-disk logging via AuditTrail.
func NewAuditManager(ledger LedgerAppend, trailPath string) (*AuditManager, error) {
	var at *AuditTrail
	if trailPath != "" {
		var err error
		at, err = NewAuditTrail(trailPath, ledger)
		if err != nil {
			return nil, err
		}
	}
	return &AuditManager{ledger: ledger, trail: at}, nil
}

// Log appends an audit ledger record for event, and mirrors it to the
// local audit trail file if one is configured.
func (am *AuditManager) Log(event string, meta map[string]string) error {
	if am == nil || am.ledger == nil {
		return errors.New("audit manager not initialised")
	}
	body, err := marshalRecordBody(map[string]interface{}{"event": event, "meta": meta})
	if err != nil {
		return err
	}
	if _, err := am.ledger.Append(RecordAudit, body); err != nil {
		return err
	}
	if am.trail != nil {
		return am.trail.Log(event, meta)
	}
	return nil
}

// Report reads every audit entry recorded in the local trail file. It
// requires a trail to have been configured; ledger-only audit records are
// read back through Ledger.Records directly by callers that hold a
// *Ledger.
func (am *AuditManager) Report() ([]AuditEvent, error) {
	if am == nil || am.trail == nil {
		return nil, errors.New("audit trail not configured")
	}
	return am.trail.Report()
}

// Archive exports the local audit trail to dest and returns the archived
// file's path and sha256 checksum.
func (am *AuditManager) Archive(dest string) (string, string, error) {
	if am == nil || am.trail == nil {
		return "", "", errors.New("audit trail not configured")
	}
	return am.trail.Archive(dest)
}

// Close closes the underlying AuditTrail if configured.
func (am *AuditManager) Close() error {
	if am == nil || am.trail == nil {
		return nil
	}
	return am.trail.Close()
}
