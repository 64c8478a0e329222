package formatter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const sourceField = "source"

var levelDesc = []string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"}

// TextFormatter renders entries as a single line with the caller location and sorted fields
type TextFormatter struct {
	timestampFormat string
}

// NewTextFormatter creates a TextFormatter with RFC3339 timestamps
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		timestampFormat: time.RFC3339,
	}
}

// Format renders a single log entry
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != sourceField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var fields string
	if len(keys) > 0 {
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = fmt.Sprintf("%s: %v", k, entry.Data[k])
		}
		fields = fmt.Sprintf("[%s] ", strings.Join(pairs, ", "))
	}

	var source string
	if src, ok := entry.Data[sourceField]; ok {
		source = fmt.Sprintf("%v: ", src)
	}

	line := fmt.Sprintf("%s %s %s%s%s\n", entry.Time.Format(f.timestampFormat), parseLevel(entry.Level), fields, source, entry.Message)
	return []byte(line), nil
}

func parseLevel(level logrus.Level) string {
	if int(level) >= len(levelDesc) {
		return ""
	}
	return levelDesc[level]
}
