package backend

import "io"

// Parameter defaults applied by the backend when a field is omitted.
const (
	DefaultModel             = "cpsam"
	DefaultFlowThreshold     = 0.4
	DefaultCellprobThreshold = 0.0
)

// File is a single image sent for segmentation.
type File struct {
	Name    string
	Content io.Reader
}

// UploadRequest describes a segmentation job. Nil thresholds fall back to the defaults;
// a nil Diameter lets the model estimate cell size.
type UploadRequest struct {
	Files             []File
	Model             string
	FlowThreshold     *float64
	CellprobThreshold *float64
	Diameter          *float64
}

// UploadResult identifies the task the backend started.
type UploadResult struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// TaskStatus is the backend's view of a task.
type TaskStatus struct {
	ID        string `json:"id"`
	Exists    bool   `json:"exists"`
	State     string `json:"state"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Overlay is a decoded segmentation overlay image.
type Overlay struct {
	Filename string `json:"filename"`
	Image    []byte `json:"image"`
}

type uploadResponse struct {
	OK    bool   `json:"ok"`
	Count int    `json:"count"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

type statusResponse struct {
	OK        bool   `json:"ok"`
	Exists    bool   `json:"exists"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updated_at"`
	Error     string `json:"error"`
}

type previewResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Count  int    `json:"count"`
	Images []struct {
		Filename string `json:"filename"`
		Image    string `json:"image"`
	} `json:"images"`
}
