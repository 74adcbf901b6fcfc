package store

import (
	"fmt"
	"time"
)

// SQLite hands DATETIME columns back as text in some result sets (RETURNING
// among them), so time columns are scanned through these targets.

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseTime(src any) (time.Time, bool, error) {
	switch v := src.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		return v.UTC(), true, nil
	case []byte:
		return parseTime(string(v))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), true, nil
			}
		}
		return time.Time{}, false, fmt.Errorf("unrecognized time format %q", v)
	default:
		return time.Time{}, false, fmt.Errorf("unsupported time type %T", src)
	}
}

type timeCol struct{ dst *time.Time }

func (c timeCol) Scan(src any) error {
	t, ok, err := parseTime(src)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unexpected NULL time")
	}
	*c.dst = t
	return nil
}

type nullTimeCol struct{ dst **time.Time }

func (c nullTimeCol) Scan(src any) error {
	t, ok, err := parseTime(src)
	if err != nil {
		return err
	}
	if ok {
		*c.dst = &t
	} else {
		*c.dst = nil
	}
	return nil
}
