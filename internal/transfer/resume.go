package transfer

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/apod-cache/internal/apperr"
)

// ResumeToken is an opaque blob that lets a failed transfer continue from
// the bytes already on disk. Callers must not inspect it.
type ResumeToken []byte

type resumeState struct {
	Version     int    `json:"v"`
	URL         string `json:"url"`
	PartialPath string `json:"partial_path"`
	Offset      int64  `json:"offset"`
	Validator   string `json:"validator,omitempty"`
	Total       int64  `json:"total"`
}

const resumeTokenVersion = 1

func encodeResumeToken(st resumeState) ResumeToken {
	st.Version = resumeTokenVersion
	data, _ := json.Marshal(st) // plain fields only, cannot fail
	return data
}

func decodeResumeToken(tok ResumeToken) (resumeState, error) {
	var st resumeState
	if len(tok) == 0 {
		return st, apperr.Decode("resume token", eris.New("empty token"))
	}
	if err := json.Unmarshal(tok, &st); err != nil {
		return st, apperr.Decode("resume token", eris.Wrap(err, "unmarshal"))
	}
	if st.Version != resumeTokenVersion {
		return st, apperr.Decode("resume token", eris.Errorf("unsupported version %d", st.Version))
	}
	if st.URL == "" || st.PartialPath == "" || st.Offset < 0 {
		return st, apperr.Decode("resume token", eris.New("incomplete token"))
	}
	return st, nil
}
