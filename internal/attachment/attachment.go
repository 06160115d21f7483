package attachment

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"planscraper/lib/textutil"
)

// Extension is the only document type that is discovered and downloaded.
const Extension = ".pdf"

// Record describes one file attached to a case.
type Record struct {
	Id          string `json:"id,omitempty"`
	FileName    string `json:"fileName"`
	Category    string `json:"category,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	DownloadUrl string `json:"downloadUrl,omitempty"`
}

// candidate keys per logical field, tried in order, first non-empty wins
var (
	idKeys       = []string{"AttachmentId", "AttachmentID", "DocumentId", "DocumentID", "Id", "ID"}
	fileNameKeys = []string{"FileName", "Filename", "DocumentName", "Name", "Title", "FileNameWithExtension"}
	categoryKeys = []string{"Category", "AttachmentType", "AttachmentGroup", "DocumentType", "Type"}
	sizeKeys     = []string{"FileSize", "Size", "FileLength", "ContentLength"}
	createdKeys  = []string{"CreatedDate", "CreateDate", "UploadedDate", "DateCreated", "Created"}
	urlKeys      = []string{"DownloadUrl", "DownloadURL", "Url", "URL", "Href", "ThumbnailUrl"}
)

// descriptorKeys are the keys whose presence marks a map as an attachment descriptor.
var descriptorKeys = []string{"AttachmentId", "FileName", "DocumentId", "FileType"}

func lookup(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func first(m map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := lookup(m, k)
		if !ok {
			continue
		}
		s := stringify(v)
		if s != "" {
			return s
		}
	}
	return ""
}

// LooksLikeDescriptor reports whether a decoded JSON object carries a
// file-name-like or id-like field.
func LooksLikeDescriptor(m map[string]any) bool {
	for _, k := range descriptorKeys {
		v, ok := lookup(m, k)
		if ok && stringify(v) != "" {
			return true
		}
	}
	return false
}

// FromMap normalizes a decoded JSON object of unknown shape into a Record.
func FromMap(m map[string]any) Record {
	r := Record{
		Id:          first(m, idKeys),
		FileName:    first(m, fileNameKeys),
		Category:    first(m, categoryKeys),
		CreatedAt:   first(m, createdKeys),
		DownloadUrl: first(m, urlKeys),
	}
	size := first(m, sizeKeys)
	if size != "" {
		parsed, err := strconv.ParseFloat(size, 64)
		if err == nil {
			r.SizeBytes = int64(parsed)
		}
	}
	return r
}

// FromValue normalizes an element of an attachment list, objects go through
// FromMap and bare strings become a record with only a file name. ok is false
// for anything else, or for objects that do not look like descriptors.
func FromValue(v any) (Record, bool) {
	switch v := v.(type) {
	case map[string]any:
		if !LooksLikeDescriptor(v) {
			return Record{}, false
		}
		return FromMap(v), true
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return Record{}, false
		}
		return Record{FileName: name}, true
	}
	return Record{}, false
}

// Dedupe removes records with a file name seen earlier in the list, the first
// occurrence wins and the order is kept. Records without a file name are dropped.
func Dedupe(records []Record) []Record {
	seen := map[string]struct{}{}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.FileName == "" {
			continue
		}
		if _, ok := seen[r.FileName]; ok {
			continue
		}
		seen[r.FileName] = struct{}{}
		out = append(out, r)
	}
	return out
}

// FilterDocuments keeps records whose file name ends with Extension.
func FilterDocuments(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if textutil.HasSuffixFold(r.FileName, Extension) {
			out = append(out, r)
		}
	}
	return out
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._\- ]`)

// SanitizeFileName maps every character outside [A-Za-z0-9._\- ] to '_'.
// Distinct names may collide after sanitization.
func SanitizeFileName(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}

// LocalPath is where a record is persisted inside a case folder.
func LocalPath(folder string, r Record) string {
	return filepath.Join(folder, SanitizeFileName(r.FileName))
}

var planNumberRegex = regexp.MustCompile(`Z\d{10}`)

// PlanNumberFromNames returns the first plan number embedded in a file name.
func PlanNumberFromNames(records []Record) string {
	for _, r := range records {
		match := planNumberRegex.FindString(r.FileName)
		if match != "" {
			return match
		}
	}
	return ""
}
