package rfctime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Format string for date-time in RFC3339, disallowing Z as time-offset.
const RFC3339DateTimeFormat string = "2006-01-02T15:04:05.999-07:00"

// date-time in https://www.ietf.org/rfc/rfc3339.txt , for JSON.
type RFC3339 time.Time

// FromUnix converts unix seconds into RFC3339 in UTC.
func FromUnix(sec int64) RFC3339 {
	return RFC3339(time.Unix(sec, 0).UTC())
}

func (t RFC3339) Time() time.Time {
	return time.Time(t)
}

func (t *RFC3339) Equal(other *RFC3339) bool {
	if (t == nil) != (other == nil) {
		return false
	}
	return t == nil || t.Time().Equal(other.Time())
}

func (t RFC3339) String() string {
	return time.Time(t).Format(RFC3339DateTimeFormat)
}

// Parse parses RFC3339 date-time. Z is allowed as time-offset.
func Parse(s string) (RFC3339, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return RFC3339{}, err
	}
	return RFC3339(t), nil
}

// implement encoding/json.Marshaller
func (t RFC3339) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, t)), nil
}

// implement encoding/json.Unmarshaller
func (t *RFC3339) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ret, err := Parse(s)
	if err != nil {
		return err
	}
	*t = ret
	return nil
}
