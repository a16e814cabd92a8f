// Package upload tracks the files queued for a session and enforces the
// per-file and cumulative size limits before admission.
package upload

import (
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tjfontaine/nexus-session/internal/domain"
)

const (
	// DefaultMaxFileBytes is the per-file limit.
	DefaultMaxFileBytes int64 = 100 << 20
	// DefaultMaxTotalBytes is the cumulative budget for one session.
	DefaultMaxTotalBytes int64 = 250 << 20
)

// DefaultAllowedTypes lists the extensions the backend can parse.
var DefaultAllowedTypes = []string{"pdf", "docx", "xlsx", "xls", "csv", "txt"}

// Limits configures admission.
type Limits struct {
	MaxFileBytes  int64
	MaxTotalBytes int64
	// AllowedTypes holds file extensions without the leading dot. Empty
	// means every type is accepted.
	AllowedTypes []string
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxFileBytes:  DefaultMaxFileBytes,
		MaxTotalBytes: DefaultMaxTotalBytes,
		AllowedTypes:  append([]string(nil), DefaultAllowedTypes...),
	}
}

// Spec describes a file offered for admission.
type Spec struct {
	Name string
	Size int64
	// Type is a MIME type or bare extension. Derived from Name when empty.
	Type string
}

// identity is what makes two offered files the same file.
func (s Spec) identity() string {
	return strings.ToLower(s.Name) + "\x00" + strings.ToLower(s.Type) + "\x00" + strconv.FormatInt(s.Size, 10)
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator overrides how file ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		q.newID = fn
	}
}

// Queue is the per-session upload queue. It is not safe for concurrent use;
// the session store serializes access.
type Queue struct {
	limits     Limits
	allowed    map[string]struct{}
	files      []*domain.UploadedFile
	identities map[string]string // identity -> file id
	total      int64
	newID      func() string
}

// NewQueue creates an empty queue.
func NewQueue(limits Limits, opts ...Option) *Queue {
	q := &Queue{
		limits:     limits,
		allowed:    make(map[string]struct{}, len(limits.AllowedTypes)),
		identities: make(map[string]string),
		newID: func() string {
			return "file_" + strings.ReplaceAll(uuid.New().String(), "-", "")
		},
	}
	for _, t := range limits.AllowedTypes {
		q.allowed[normalizeExt(t)] = struct{}{}
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Admit offers files to the queue. Every spec yields exactly one result,
// in order. Rejections never change the queue.
func (q *Queue) Admit(specs ...Spec) []domain.AdmissionResult {
	results := make([]domain.AdmissionResult, 0, len(specs))
	for _, spec := range specs {
		results = append(results, q.admit(spec))
	}
	return results
}

func cleanSpec(spec Spec) Spec {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Type == "" {
		spec.Type = TypeOf(spec.Name)
	}
	return spec
}

// Check reports why spec would be rejected, or "" when it would be
// admitted. It never changes the queue.
func (q *Queue) Check(spec Spec) domain.RejectReason {
	spec = cleanSpec(spec)
	if spec.Name == "" || spec.Size < 0 {
		return domain.RejectInvalidFile
	}
	if q.duplicate(spec) != nil {
		return ""
	}
	if !q.typeAllowed(spec) {
		return domain.RejectUnsupportedType
	}
	if q.limits.MaxFileBytes > 0 && spec.Size > q.limits.MaxFileBytes {
		return domain.RejectFileTooLarge
	}
	if q.limits.MaxTotalBytes > 0 && q.total+spec.Size > q.limits.MaxTotalBytes {
		return domain.RejectBudgetExceeded
	}
	return ""
}

func (q *Queue) duplicate(spec Spec) *domain.UploadedFile {
	id, ok := q.identities[spec.identity()]
	if !ok {
		return nil
	}
	return q.find(id)
}

func (q *Queue) admit(spec Spec) domain.AdmissionResult {
	spec = cleanSpec(spec)
	res := domain.AdmissionResult{Name: spec.Name}

	if reason := q.Check(spec); reason != "" {
		res.Reason = reason
		return res
	}

	if f := q.duplicate(spec); f != nil {
		cp := *f
		res.Accepted = true
		res.Duplicate = true
		res.File = &cp
		return res
	}

	f := &domain.UploadedFile{
		ID:       q.newID(),
		Name:     spec.Name,
		Size:     spec.Size,
		Type:     spec.Type,
		Status:   domain.FileUploading,
		Progress: 0,
	}
	q.files = append(q.files, f)
	q.identities[spec.identity()] = f.ID
	q.total += spec.Size

	cp := *f
	res.Accepted = true
	res.File = &cp
	return res
}

func (q *Queue) typeAllowed(spec Spec) bool {
	if len(q.allowed) == 0 {
		return true
	}
	if _, ok := q.allowed[normalizeExt(filepath.Ext(spec.Name))]; ok {
		return true
	}
	if exts, err := mime.ExtensionsByType(spec.Type); err == nil {
		for _, ext := range exts {
			if _, ok := q.allowed[normalizeExt(ext)]; ok {
				return true
			}
		}
	}
	_, ok := q.allowed[normalizeExt(spec.Type)]
	return ok
}

// UpdateProgress records upload progress, clamped to [0,100]. A value lower
// than the previous one is stored and counted as a possible restart.
// It reports whether the id was known and whether the update went backwards.
func (q *Queue) UpdateProgress(id string, progress int) (ok bool, restarted bool) {
	f := q.find(id)
	if f == nil {
		return false, false
	}
	progress = max(0, min(100, progress))
	if progress < f.Progress {
		f.Restarts++
		restarted = true
	}
	f.Progress = progress
	return true, restarted
}

// SetStatus changes a file's status. Marking a file uploaded completes its progress.
func (q *Queue) SetStatus(id string, status domain.FileStatus, errMsg string) bool {
	f := q.find(id)
	if f == nil {
		return false
	}
	f.Status = status
	f.Error = errMsg
	if status == domain.FileUploaded {
		f.Progress = 100
	}
	return true
}

// Remove drops a file and releases its share of the budget. Unknown ids are ignored.
func (q *Queue) Remove(id string) bool {
	for i, f := range q.files {
		if f.ID != id {
			continue
		}
		q.total -= f.Size
		for ident, fid := range q.identities {
			if fid == id {
				delete(q.identities, ident)
			}
		}
		q.files = append(q.files[:i], q.files[i+1:]...)
		return true
	}
	return false
}

// Get returns a copy of the file with the given id.
func (q *Queue) Get(id string) (domain.UploadedFile, bool) {
	f := q.find(id)
	if f == nil {
		return domain.UploadedFile{}, false
	}
	return *f, true
}

// Files returns copies of all queued files in admission order.
func (q *Queue) Files() []domain.UploadedFile {
	out := make([]domain.UploadedFile, len(q.files))
	for i, f := range q.files {
		out[i] = *f
	}
	return out
}

// Pending returns the files still waiting to be uploaded.
func (q *Queue) Pending() []domain.UploadedFile {
	var out []domain.UploadedFile
	for _, f := range q.files {
		if f.Status == domain.FileUploading {
			out = append(out, *f)
		}
	}
	return out
}

// TotalSize is the sum of admitted file sizes.
func (q *Queue) TotalSize() int64 {
	return q.total
}

// Len returns the number of queued files.
func (q *Queue) Len() int {
	return len(q.files)
}

// Ready reports whether processing may start: at least one file is queued
// and every queued file is uploaded.
func (q *Queue) Ready() bool {
	if len(q.files) == 0 {
		return false
	}
	for _, f := range q.files {
		if f.Status != domain.FileUploaded {
			return false
		}
	}
	return true
}

// MarkAll sets every file to status. Used when the session moves on.
func (q *Queue) MarkAll(status domain.FileStatus) {
	for _, f := range q.files {
		if f.Status != domain.FileError {
			f.Status = status
		}
	}
}

func (q *Queue) find(id string) *domain.UploadedFile {
	for _, f := range q.files {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// TypeOf derives a MIME type from a file name, falling back to the bare extension.
func TypeOf(name string) string {
	ext := filepath.Ext(name)
	if ext == "" {
		return ""
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = t[:i]
		}
		return t
	}
	return normalizeExt(ext)
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
