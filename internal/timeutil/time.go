package timeutil

import (
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

type (
	// Time encodes as an RFC 3339 string with nanoseconds, or null when
	// zero. It decodes from such strings and from Unix seconds.
	Time time.Time

	// Seconds is a duration encoded as a number of seconds.
	Seconds time.Duration
)

func (t *Time) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == "{}" || s == `""` {
		*t = Time{}
		return nil
	}
	if s[0] == '"' {
		tt, err := time.Parse(`"`+time.RFC3339Nano+`"`, s)
		if err != nil {
			return err
		}
		*t = Time(tt)
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = Time(time.Unix(i, 0).UTC())
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	sec, frac := math.Modf(f)
	*t = Time(time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC())
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	tt := time.Time(t)
	if tt.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(tt.Format(time.RFC3339Nano))
}

func (t Time) Time() time.Time {
	return time.Time(t)
}

func (t Time) Equal(u Time) bool {
	return time.Time(t).Equal(time.Time(u))
}

func (d *Seconds) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*d = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*d = Seconds(math.Round(f * float64(time.Second)))
	return nil
}

func (d Seconds) MarshalJSON() ([]byte, error) {
	return strconv.AppendFloat(nil, time.Duration(d).Seconds(), 'f', -1, 64), nil
}

func (d Seconds) Duration() time.Duration {
	return time.Duration(d)
}
