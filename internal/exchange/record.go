package exchange

import (
	"strconv"
	"strings"
	"time"
)

const (
	RecordSeparator = "###"
	FieldSeparator  = "##"
)

// GeneralErrorID is the account id of records not tied to one account.
const GeneralErrorID = 0

// Record is one check result: an unseen count for an account, or an error.
type Record struct {
	Timestamp int64
	AccountID int
	Unseen    int
	Err       string
}

func Success(iid, unseen int, at time.Time) Record {
	return Record{Timestamp: at.Unix(), AccountID: iid, Unseen: unseen}
}

func Failure(iid int, msg string, at time.Time) Record {
	if msg == "" {
		msg = "unknown error"
	}
	return Record{Timestamp: at.Unix(), AccountID: iid, Err: msg}
}

func (r Record) Failed() bool {
	return r.Err != ""
}

// Payload is the record without its timestamp: "<id>##<unseen|message>".
func (r Record) Payload() string {
	if r.Failed() {
		return strconv.Itoa(r.AccountID) + FieldSeparator + sanitize(r.Err)
	}
	return strconv.Itoa(r.AccountID) + FieldSeparator + strconv.Itoa(r.Unseen)
}

// Encode renders the stored form including the record terminator.
func (r Record) Encode() string {
	return strconv.FormatInt(r.Timestamp, 10) + FieldSeparator + r.Payload() + RecordSeparator
}

// sanitize keeps error text from breaking the framing. A '#' next to a
// separator would shift it, so every '#' is escaped.
func sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "#", "%23")
	if msg == "" {
		return "unknown error"
	}
	return msg
}

// Parse splits exchange data into records. Entries that cannot be read are
// returned separately as malformed.
func Parse(data string) (records []Record, malformed []string) {
	for _, raw := range strings.Split(data, RecordSeparator) {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		rec, ok := parseRecord(entry)
		if !ok {
			malformed = append(malformed, entry)
			continue
		}
		records = append(records, rec)
	}
	return records, malformed
}

func parseRecord(entry string) (Record, bool) {
	fields := strings.SplitN(entry, FieldSeparator, 3)
	if len(fields) < 2 {
		return Record{}, false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return Record{}, false
	}
	rec := Record{Timestamp: ts}

	id := strings.TrimSpace(fields[1])
	if id == "" || id == "0" {
		rec.AccountID = GeneralErrorID
		if len(fields) == 3 {
			rec.Err = fields[2]
		}
		if rec.Err == "" {
			rec.Err = "unknown error"
		}
		return rec, true
	}
	iid, err := strconv.Atoi(id)
	if err != nil {
		// an unnumbered id is a general error carrying the whole tail
		rec.AccountID = GeneralErrorID
		rec.Err = strings.Join(fields[1:], FieldSeparator)
		return rec, true
	}
	rec.AccountID = iid

	if len(fields) < 3 {
		rec.Err = "missing unseen count"
		return rec, true
	}
	unseen, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil || unseen < 0 {
		rec.Err = fields[2]
		if rec.Err == "" {
			rec.Err = "empty result"
		}
		return rec, true
	}
	rec.Unseen = unseen
	return rec, true
}
