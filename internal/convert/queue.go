// Package convert implements the conversion run core: the work queue,
// the typed event stream, the progress state machine and the
// orchestrator that drives a run from submission to summary.
package convert

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DefaultSupportedExts is the client-side admission allowlist, replaced
// by the backend's supportedFormats when GET /api/config succeeds.
var DefaultSupportedExts = []string{".kgg", ".kgm", ".kgma", ".vpr", ".ncm"}

// credentialExts are the extensions that require a companion decryption
// key database on the backend.
var credentialExts = map[string]bool{".kgg": true}

// Limits are the queue admission ceilings.
type Limits struct {
	MaxFileCount  int
	MaxFileSizeMB int
}

// DefaultLimits mirrors the backend defaults and applies until the
// backend reports its own.
func DefaultLimits() Limits {
	return Limits{MaxFileCount: 500, MaxFileSizeMB: 80}
}

// UploadItem is a content-bearing queue entry. Identity is
// (name, size, modtime): the same bytes picked twice collapse into one
// entry, while a re-exported file with a new timestamp does not.
type UploadItem struct {
	Name    string
	Size    int64
	Ext     string
	Path    string
	ModTime time.Time
}

func (u UploadItem) signature() string {
	return fmt.Sprintf("%s|%d|%d", u.Name, u.Size, u.ModTime.UnixMilli())
}

// PathItem is a reference queue entry resolved server-side. Identity is
// the absolute path.
type PathItem struct {
	Name     string
	Size     int64
	Ext      string
	FullPath string
}

// RejectReason classifies why a candidate was not admitted.
type RejectReason string

const (
	RejectUnsupported RejectReason = "unsupported extension"
	RejectOversize    RejectReason = "exceeds size limit"
	RejectDuplicate   RejectReason = "already queued"
	RejectOverLimit   RejectReason = "queue is full"
)

// Rejection reports one skipped candidate. Every skip is reported
// individually so the caller can explain each one.
type Rejection struct {
	Name   string
	Reason RejectReason
}

// AdmitReport summarizes one admission batch.
type AdmitReport struct {
	Accepted  int
	Rejections []Rejection
}

// Queue holds the pending work for the next run. It is mutated only by
// the single orchestrating flow and needs no locking.
type Queue struct {
	uploads   []UploadItem
	paths     []PathItem
	limits    Limits
	supported map[string]bool
}

// NewQueue creates an empty queue with the given limits and extension
// allowlist.
func NewQueue(limits Limits, supportedExts []string) *Queue {
	supported := make(map[string]bool, len(supportedExts))
	for _, ext := range supportedExts {
		supported[strings.ToLower(ext)] = true
	}
	return &Queue{limits: limits, supported: supported}
}

// SetLimits replaces the admission ceilings. Items already queued are
// not re-evaluated; limits apply at admission.
func (q *Queue) SetLimits(limits Limits) {
	q.limits = limits
}

// Ext extracts the lower-cased extension of a file name, including the
// leading dot, or "" when there is none.
func Ext(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// AdmitUploads filters and appends upload candidates. Candidates are
// checked in order against the extension allowlist, the per-file size
// ceiling and the existing signatures; once the combined queue reaches
// the count limit the remainder of the batch is rejected, keeping
// earlier admissions over later ones.
func (q *Queue) AdmitUploads(candidates []UploadItem) AdmitReport {
	var report AdmitReport

	seen := make(map[string]bool, len(q.uploads))
	for _, item := range q.uploads {
		seen[item.signature()] = true
	}

	for _, cand := range candidates {
		if cand.Ext == "" {
			cand.Ext = Ext(cand.Name)
		}
		if reason, ok := q.checkCandidate(cand.Ext, cand.Size); !ok {
			report.Rejections = append(report.Rejections, Rejection{Name: cand.Name, Reason: reason})
			continue
		}

		sig := cand.signature()
		if seen[sig] {
			report.Rejections = append(report.Rejections, Rejection{Name: cand.Name, Reason: RejectDuplicate})
			continue
		}

		if q.TotalCount() >= q.limits.MaxFileCount {
			report.Rejections = append(report.Rejections, Rejection{Name: cand.Name, Reason: RejectOverLimit})
			continue
		}

		q.uploads = append(q.uploads, cand)
		seen[sig] = true
		report.Accepted++
	}

	return report
}

// AdmitPaths filters and appends path-reference candidates, with the
// same ordering and truncation rules as AdmitUploads.
func (q *Queue) AdmitPaths(candidates []PathItem) AdmitReport {
	var report AdmitReport

	seen := make(map[string]bool, len(q.paths))
	for _, item := range q.paths {
		seen[item.FullPath] = true
	}

	for _, cand := range candidates {
		if cand.Ext == "" {
			cand.Ext = Ext(cand.Name)
		}
		if reason, ok := q.checkCandidate(cand.Ext, cand.Size); !ok {
			report.Rejections = append(report.Rejections, Rejection{Name: cand.Name, Reason: reason})
			continue
		}

		if cand.FullPath == "" || seen[cand.FullPath] {
			report.Rejections = append(report.Rejections, Rejection{Name: cand.Name, Reason: RejectDuplicate})
			continue
		}

		if q.TotalCount() >= q.limits.MaxFileCount {
			report.Rejections = append(report.Rejections, Rejection{Name: cand.Name, Reason: RejectOverLimit})
			continue
		}

		q.paths = append(q.paths, cand)
		seen[cand.FullPath] = true
		report.Accepted++
	}

	return report
}

func (q *Queue) checkCandidate(ext string, size int64) (RejectReason, bool) {
	if !q.supported[ext] {
		return RejectUnsupported, false
	}
	if size > int64(q.limits.MaxFileSizeMB)*1024*1024 {
		return RejectOversize, false
	}
	return "", true
}

// RemoveUpload removes the upload at the given variant-scoped index.
// Indices shift after every removal and must be re-resolved.
func (q *Queue) RemoveUpload(i int) error {
	if i < 0 || i >= len(q.uploads) {
		return fmt.Errorf("upload index %d out of range", i)
	}
	q.uploads = append(q.uploads[:i], q.uploads[i+1:]...)
	return nil
}

// RemovePath removes the path reference at the given variant-scoped
// index.
func (q *Queue) RemovePath(i int) error {
	if i < 0 || i >= len(q.paths) {
		return fmt.Errorf("path index %d out of range", i)
	}
	q.paths = append(q.paths[:i], q.paths[i+1:]...)
	return nil
}

// Clear empties the queue. Called by the owner after a run starts.
func (q *Queue) Clear() {
	q.uploads = nil
	q.paths = nil
}

// RequiresCredential reports whether any queued item needs the
// decryption key database. Recomputed from current contents on every
// call, never cached across mutations.
func (q *Queue) RequiresCredential() bool {
	for _, item := range q.uploads {
		if credentialExts[item.Ext] {
			return true
		}
	}
	for _, item := range q.paths {
		if credentialExts[item.Ext] {
			return true
		}
	}
	return false
}

// TotalCount returns the number of queued items across both variants.
func (q *Queue) TotalCount() int {
	return len(q.uploads) + len(q.paths)
}

// TotalBytes returns the combined size of all queued items.
func (q *Queue) TotalBytes() int64 {
	var total int64
	for _, item := range q.uploads {
		total += item.Size
	}
	for _, item := range q.paths {
		total += item.Size
	}
	return total
}

// Uploads returns a copy of the queued uploads.
func (q *Queue) Uploads() []UploadItem {
	out := make([]UploadItem, len(q.uploads))
	copy(out, q.uploads)
	return out
}

// Paths returns a copy of the queued path references.
func (q *Queue) Paths() []PathItem {
	out := make([]PathItem, len(q.paths))
	copy(out, q.paths)
	return out
}
