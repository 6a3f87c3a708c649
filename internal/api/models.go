package api

// BackendConfig is the response of GET /api/config.
type BackendConfig struct {
	MissingTools     []string `json:"missingTools"`
	Limits           Limits   `json:"limits"`
	SupportedFormats []string `json:"supportedFormats"`
	DefaultOutputDir string   `json:"defaultOutputDir"`
	DB               DBStatus `json:"db"`
}

// Limits are the backend-enforced queue ceilings.
type Limits struct {
	MaxFileCount  int `json:"maxFileCount"`
	MaxFileSizeMB int `json:"maxFileSizeMB"`
}

// DBStatus describes credential database autodetection. Source is one
// of project, appdata, localappdata, manual or request.
type DBStatus struct {
	Found  bool   `json:"found"`
	Path   string `json:"path"`
	Source string `json:"source"`
}

// ValidateDBResult is the response of POST /api/validate-db-path.
type ValidateDBResult struct {
	Valid bool   `json:"valid"`
	Path  string `json:"path"`
}

// PickResult is the response of the native file-dialog endpoints.
// An empty path means the user dismissed the dialog.
type PickResult struct {
	Path string `json:"path"`
}

// ScanRequest is the body of POST /api/scan-folders.
type ScanRequest struct {
	Paths     []string `json:"paths"`
	Recursive bool     `json:"recursive"`
	Filter    string   `json:"filter"`
}

// ScanResult is the response of POST /api/scan-folders.
type ScanResult struct {
	TotalFiles int          `json:"totalFiles"`
	TotalSize  int64        `json:"totalSize"`
	Folders    []ScanFolder `json:"folders"`
}

// ScanFolder groups scanned files under their containing directory.
type ScanFolder struct {
	Path  string     `json:"path"`
	Files []ScanFile `json:"files"`
}

// ScanFile is one file found by the backend scanner.
type ScanFile struct {
	Name     string `json:"name"`
	Ext      string `json:"ext"`
	Size     int64  `json:"size"`
	ModTime  string `json:"modTime"`
	FullPath string `json:"fullPath"`
}

// Health is the response of GET /api/health.
type Health struct {
	Version string `json:"version"`
}
