package domain

// FileStatus is the upload state of a single file.
type FileStatus string

const (
	FileUploading  FileStatus = "uploading"
	FileUploaded   FileStatus = "uploaded"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileError      FileStatus = "error"
)

// UploadedFile is a file admitted into a session's upload queue.
type UploadedFile struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Size     int64      `json:"size"`
	Type     string     `json:"type"`
	Status   FileStatus `json:"status"`
	Progress int        `json:"progress"`
	// Restarts counts progress updates that went backwards.
	Restarts int    `json:"restarts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RejectReason explains why a file was not admitted.
type RejectReason string

const (
	RejectUnsupportedType RejectReason = "unsupported type"
	RejectFileTooLarge    RejectReason = "exceeds per-file limit"
	RejectBudgetExceeded  RejectReason = "exceeds cumulative session budget"
	RejectInvalidFile     RejectReason = "invalid file"
	RejectNoSession       RejectReason = "no active session"
	RejectSessionStarted  RejectReason = "session no longer accepts files"
)

// AdmissionResult is the outcome of admitting one file.
type AdmissionResult struct {
	Name     string        `json:"name"`
	Accepted bool          `json:"accepted"`
	File     *UploadedFile `json:"file,omitempty"`
	Reason   RejectReason  `json:"reason,omitempty"`
	// Duplicate is set when the file matched an already admitted identity.
	Duplicate bool `json:"duplicate,omitempty"`
}
