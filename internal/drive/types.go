package drive

// MIME types with dedicated handling.
const (
	// mimeFolder marks a Drive folder; folders are recursed, never ingested.
	mimeFolder = "application/vnd.google-apps.folder"
	// mimeGoogleAppsPrefix marks Google-native documents (Docs, Sheets, ...)
	// that have no binary content behind alt=media. They are skipped.
	mimeGoogleAppsPrefix = "application/vnd.google-apps."
)

// file is the Drive v3 files resource, limited to the fields we request.
// Size arrives as a decimal string in the JSON representation.
type file struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MimeType     string   `json:"mimeType"`
	ModifiedTime string   `json:"modifiedTime"`
	Size         string   `json:"size"`
	Md5Checksum  string   `json:"md5Checksum"`
	Parents      []string `json:"parents"`
}

// fileList is one page of a files.list response.
type fileList struct {
	NextPageToken string `json:"nextPageToken"`
	Files         []file `json:"files"`
}

// fingerprint returns the change-detection value for a file: the content
// hash when Drive reports one, else the modification timestamp.
func (f *file) fingerprint() string {
	if f.Md5Checksum != "" {
		return f.Md5Checksum
	}
	return f.ModifiedTime
}
