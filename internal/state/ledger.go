package state

import (
	"sync"
	"time"
)

// UnknownUploader is recorded when an upload arrives without an investor id.
const UnknownUploader = "unknown"

// UploadMeta describes a file that the storage layer has already written.
type UploadMeta struct {
	Filename     string
	OriginalName string
	Size         int64
	RemoteAddr   string
	InvestorID   string
}

// UploadedFile is a ledger entry.
type UploadedFile struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	UploadedAt   time.Time `json:"uploadTime"`
	RemoteAddr   string    `json:"ip"`
	InvestorID   string    `json:"investorId"`
}

// Ledger records upload metadata in arrival order. It trusts its input; size
// and type checks happen before Record is called.
type Ledger struct {
	mu    sync.RWMutex
	files []UploadedFile
	ids   *IDGenerator
	now   func() time.Time
}

// NewLedger creates an empty ledger. File ids come from ids.
func NewLedger(ids *IDGenerator) *Ledger {
	return &Ledger{ids: ids, now: time.Now}
}

// Record appends meta and returns the stored entry.
func (l *Ledger) Record(meta UploadMeta) UploadedFile {
	investorID := meta.InvestorID
	if investorID == "" {
		investorID = UnknownUploader
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f := UploadedFile{
		ID:           l.ids.Next(),
		Filename:     meta.Filename,
		OriginalName: meta.OriginalName,
		Size:         meta.Size,
		UploadedAt:   l.now(),
		RemoteAddr:   meta.RemoteAddr,
		InvestorID:   investorID,
	}
	l.files = append(l.files, f)
	return f
}

// List returns a copy of all entries.
func (l *Ledger) List() []UploadedFile {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]UploadedFile, len(l.files))
	copy(out, l.files)
	return out
}

// Len returns the number of recorded uploads.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.files)
}
