package models

// Fingerprint identifies the remote content of a dataset at detection time.
// Header-strategy datasets fill ETag/LastModified; redirect-strategy datasets
// fill DocumentID and ResolvedURL.
type Fingerprint struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	DocumentID   string `json:"document_id,omitempty"`
	ResolvedURL  string `json:"resolved_url,omitempty"`
}

func (f Fingerprint) IsZero() bool {
	return f.ETag == "" && f.LastModified == "" && f.DocumentID == ""
}

// Matches reports whether f and prev describe the same remote content.
// A pair with nothing comparable is treated as changed.
func (f Fingerprint) Matches(prev Fingerprint) bool {
	if f.DocumentID != "" || prev.DocumentID != "" {
		return f.DocumentID != "" && f.DocumentID == prev.DocumentID
	}
	if f.ETag != "" && prev.ETag != "" {
		return f.ETag == prev.ETag
	}
	if f.LastModified != "" && prev.LastModified != "" {
		return f.LastModified == prev.LastModified
	}
	return false
}
