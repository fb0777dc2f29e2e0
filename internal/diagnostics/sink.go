// Package diagnostics captures raw bridge submissions for schema discovery.
package diagnostics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotObject is returned when a debug body is not a JSON object.
var ErrNotObject = errors.New("debug payload must be a JSON object")

// Report describes a captured submission.
type Report struct {
	Payload      json.RawMessage
	SizeBytes    int
	TopLevelKeys []string
	Path         string
}

// FileSink logs captured payloads and, when Dir is set, writes each one to its own file.
type FileSink struct {
	Dir    string
	Logger *log.Logger
	Now    func() time.Time
}

// NewFileSink constructs a FileSink.
func NewFileSink(dir string, logger *log.Logger) *FileSink {
	if logger == nil {
		logger = log.New(log.Writer(), "[debug] ", log.LstdFlags)
	}
	return &FileSink{Dir: dir, Logger: logger, Now: time.Now}
}

var unsafeName = regexp.MustCompile(`[^0-9A-Za-z_-]+`)

// Capture records body. A failure to write the file is logged, not returned.
func (s *FileSink) Capture(body []byte) (Report, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return Report{}, ErrNotObject
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return Report{}, ErrNotObject
	}
	s.Logger.Printf("raw health connect payload (%d bytes, keys=%v):\n%s", pretty.Len(), keys, pretty.String())

	report := Report{
		Payload:      json.RawMessage(append([]byte(nil), body...)),
		SizeBytes:    pretty.Len(),
		TopLevelKeys: keys,
	}

	if s.Dir != "" {
		path, err := s.write(doc, pretty.Bytes())
		if err != nil {
			s.Logger.Printf("could not write debug file: %v", err)
		} else {
			report.Path = path
		}
	}
	return report, nil
}

func (s *FileSink) write(doc map[string]json.RawMessage, pretty []byte) (string, error) {
	label := "unknown"
	var date string
	if raw, ok := doc["date"]; ok && json.Unmarshal(raw, &date) == nil && date != "" {
		label = unsafeName.ReplaceAllString(date, "_")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return "", err
	}
	name := fmt.Sprintf("health_connect_debug_%s_%s_%s.json", label, now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
	path := filepath.Join(s.Dir, name)
	if err := os.WriteFile(path, pretty, 0o640); err != nil {
		return "", err
	}
	return path, nil
}
