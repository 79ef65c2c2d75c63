package storageref

import (
	"path"
	"strings"
)

// DefaultMIMEType is returned for extensions missing from the table.
const DefaultMIMEType = "application/octet-stream"

var mimeTypes = map[string]string{
	"pdf":  "application/pdf",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"webp": "image/webp",
	"tif":  "image/tiff",
	"tiff": "image/tiff",
	"dcm":  "application/dicom",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"rtf":  "application/rtf",
	"json": "application/json",
	"xml":  "application/xml",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xls":  "application/vnd.ms-excel",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"odt":  "application/vnd.oasis.opendocument.text",
	"zip":  "application/zip",
}

// MIMEType maps the extension of name to a MIME type. The lookup is static so
// the result never depends on the host's mime database.
func MIMEType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(FileName(name)), "."))
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	return DefaultMIMEType
}

// preferredExtensions maps a MIME type back to its shortest extension.
var preferredExtensions = func() map[string]string {
	m := make(map[string]string, len(mimeTypes))
	for ext, t := range mimeTypes {
		cur, ok := m[t]
		if !ok || len(ext) < len(cur) || (len(ext) == len(cur) && ext < cur) {
			m[t] = ext
		}
	}
	return m
}()

// ExtensionFor returns the extension used for mimeType when a remote source
// gives no usable file name. Parameters such as charset are ignored.
func ExtensionFor(mimeType string) (string, bool) {
	t, _, _ := strings.Cut(mimeType, ";")
	ext, ok := preferredExtensions[strings.ToLower(strings.TrimSpace(t))]
	return ext, ok
}
