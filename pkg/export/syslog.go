package export

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/crewjam/rfc5424"
)

// syslogSDID is the structured data element carrying record parameters.
const syslogSDID = "custody@53595"

// SyslogRecord is one line of an RFC 5424 export.
type SyslogRecord struct {
	Timestamp time.Time
	MessageID string
	Message   string
	Params    map[string]string
}

// SyslogOptions sets the header fields shared by every line.
type SyslogOptions struct {
	AppName  string
	Hostname string
}

// RenderSyslog writes each record as one newline-terminated RFC 5424 message
// with facility user and severity info.
func RenderSyslog(records []SyslogRecord, opts SyslogOptions) ([]byte, error) {
	if opts.AppName == "" {
		opts.AppName = "evidence-api"
	}
	if opts.Hostname == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		opts.Hostname = host
	}
	procID := fmt.Sprintf("%d", os.Getpid())

	buf := &bytes.Buffer{}
	for i, record := range records {
		msg := &rfc5424.Message{
			Priority:  rfc5424.User | rfc5424.Info,
			Timestamp: record.Timestamp.UTC(),
			Hostname:  opts.Hostname,
			AppName:   opts.AppName,
			ProcessID: procID,
			MessageID: record.MessageID,
			Message:   []byte(record.Message),
		}
		keys := make([]string, 0, len(record.Params))
		for k := range record.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			msg.AddDatum(syslogSDID, k, record.Params[k])
		}
		if _, err := msg.WriteTo(buf); err != nil {
			return nil, fmt.Errorf("write syslog record %d: %w", i, err)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
