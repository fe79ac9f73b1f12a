package ingestion

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Slot names one of the three upload controls on the case form.
type Slot string

const (
	SlotGene         Slot = "gene"
	SlotImaging      Slot = "imaging"
	SlotDemographics Slot = "demographics"
)

const (
	MediaTypeJSON = "application/json"
	MediaTypePDF  = "application/pdf"
	MediaTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MediaTypeCSV  = "text/csv"

	mediaTypeOctetStream = "application/octet-stream"
)

var acceptedExtensions = map[Slot][]string{
	SlotGene:         {".csv", ".tsv", ".txt"},
	SlotImaging:      {".txt", ".pdf", ".doc", ".docx"},
	SlotDemographics: {".json", ".pdf", ".docx", ".csv", ".xlsx"},
}

var extensionMediaTypes = map[string]string{
	".json": MediaTypeJSON,
	".pdf":  MediaTypePDF,
	".docx": MediaTypeDOCX,
	".xlsx": MediaTypeXLSX,
	".csv":  MediaTypeCSV,
	".tsv":  "text/tab-separated-values",
	".txt":  "text/plain",
	".doc":  "application/msword",
}

func ParseSlot(value string) (Slot, bool) {
	slot := Slot(strings.ToLower(strings.TrimSpace(value)))
	_, ok := acceptedExtensions[slot]
	return slot, ok
}

// Accept renders the slot's extension list in the form used by an <input accept> attribute.
func (s Slot) Accept() string {
	return strings.Join(acceptedExtensions[s], ",")
}

// Extension returns the lower-cased extension of name including the dot.
func Extension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

func extensionAllowed(slot Slot, name string) bool {
	ext := Extension(name)
	if ext == "" {
		return false
	}
	for _, allowed := range acceptedExtensions[slot] {
		if ext == allowed {
			return true
		}
	}
	return false
}

// ResolveMediaType picks the media type sent alongside a document. A declared type wins
// unless it is missing or generic; then the extension table, then content sniffing.
func ResolveMediaType(name, declared string, data []byte) string {
	declared = stripParams(declared)
	if declared != "" && declared != mediaTypeOctetStream {
		return declared
	}
	if mt, ok := extensionMediaTypes[Extension(name)]; ok {
		return mt
	}
	return stripParams(mimetype.Detect(data).String())
}

// IsJSON reports whether the file is declared as JSON by media type or extension.
func IsJSON(name, mediaType string) bool {
	return stripParams(mediaType) == MediaTypeJSON || Extension(name) == ".json"
}

func stripParams(mediaType string) string {
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}
