package core

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
)

func marshalRecordBody(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalRecordBody(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// appendLine appends line to path, creating it if needed. Failures are
// logged but never returned: usage logging and similar observability paths
// must not affect the data path (spec §7 propagation policy).
func appendLine(path, line string, log *logrus.Logger) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		if log != nil {
			log.WithError(err).WithField("path", path).Warn("append line: open failed")
		}
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil && log != nil {
		log.WithError(err).WithField("path", path).Warn("append line: write failed")
	}
}
