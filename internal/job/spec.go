package job

import (
	"encoding/json"
	"fmt"
)

// Job names accepted over the CLI. The set is closed; anything else is an
// UnknownJobError.
const (
	NameMacCodeSign = "MAC_CODE_SIGN"
	NameS3Upload    = "S3_UPLOAD"
)

// paramJobName is the reserved key carrying the job name in the CLI blob.
const paramJobName = "JOB_NAME"

// Kind is the closed enumeration of dispatchable jobs.
type Kind int

const (
	KindUnknown Kind = iota
	KindMacCodeSign
	KindS3Upload
)

// Spec is a parsed job request: a symbolic name plus a parameter bag. The
// dispatcher reads it and never mutates it.
type Spec struct {
	Name   string
	Params map[string]string
}

// ParseSpec decodes the CLI JSON blob. The blob shape is kept loose on
// purpose so parameter changes never require touching the worker entrypoint;
// non-string values are stringified.
func ParseSpec(raw string) (Spec, error) {
	var blob map[string]any
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return Spec{}, fmt.Errorf("parse job blob: %w", err)
	}

	spec := Spec{Params: make(map[string]string, len(blob))}
	for k, v := range blob {
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case nil:
			s = ""
		default:
			s = fmt.Sprintf("%v", val)
		}
		if k == paramJobName {
			spec.Name = s
			continue
		}
		spec.Params[k] = s
	}
	return spec, nil
}

// Kind resolves the job name to its enumerated kind.
func (s Spec) Kind() Kind {
	switch s.Name {
	case NameMacCodeSign:
		return KindMacCodeSign
	case NameS3Upload:
		return KindS3Upload
	default:
		return KindUnknown
	}
}

// Param returns a parameter value and whether it is present.
func (s Spec) Param(key string) (string, bool) {
	v, ok := s.Params[key]
	return v, ok
}
