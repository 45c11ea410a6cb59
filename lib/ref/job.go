// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"time"
)

// jobIDLayout is the time format a job identifier encodes: local
// wall-clock time at microsecond precision, 20 digits.
const jobIDLayout = "20060102150405.000000"

// jobIDLength is the encoded length: 14 date-time digits plus 6
// microsecond digits (the layout's '.' is stripped).
const jobIDLength = 20

// JobID is a validated job identifier: 20 decimal digits encoding the
// allocation time at microsecond precision (e.g.,
// "20260301143015123456"). The ledger enforces that an identifier is
// never assigned twice; lib/job's Allocator enforces monotonicity
// within a single controller process.
//
// JobID is an immutable value type. The zero value is not valid; use
// IsZero to check.
type JobID struct {
	id string
}

// JobIDAt returns the JobID encoding the given time.
func JobIDAt(t time.Time) JobID {
	formatted := t.Format(jobIDLayout)
	// Strip the '.' the layout needs to express sub-second digits.
	return JobID{id: formatted[:14] + formatted[15:]}
}

// ParseJobID validates and wraps a raw job identifier. Returns an
// error unless the string is exactly 20 decimal digits.
func ParseJobID(raw string) (JobID, error) {
	if len(raw) != jobIDLength {
		return JobID{}, fmt.Errorf("job id %q is %d characters, want %d", raw, len(raw), jobIDLength)
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return JobID{}, fmt.Errorf("job id %q: non-digit character at position %d", raw, i)
		}
	}
	return JobID{id: raw}, nil
}

// Time decodes the allocation time the identifier encodes. Returns an
// error when the digits do not form a valid timestamp (e.g., month 13).
func (j JobID) Time() (time.Time, error) {
	if j.id == "" {
		return time.Time{}, fmt.Errorf("job id is zero")
	}
	return time.ParseInLocation(jobIDLayout, j.id[:14]+"."+j.id[14:], time.Local)
}

// String returns the job identifier string.
func (j JobID) String() string { return j.id }

// IsZero reports whether the JobID is the zero value (uninitialized).
func (j JobID) IsZero() bool { return j.id == "" }

// MarshalText implements encoding.TextMarshaler.
func (j JobID) MarshalText() ([]byte, error) {
	return []byte(j.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Validates the
// identifier. An empty input produces the zero value (unset job).
func (j *JobID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*j = JobID{}
		return nil
	}
	parsed, err := ParseJobID(string(data))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
