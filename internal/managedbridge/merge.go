package managedbridge

import (
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/traceprof/internal/rawprofile"
)

// ReadAll decodes every message of r. Messages of unknown kind are skipped.
func ReadAll(r io.Reader) ([]Message, error) {
	d := NewDecoder(r)
	var msgs []Message
	for {
		m, err := d.Next()
		if errors.Is(err, io.EOF) {
			return msgs, nil
		}
		if errors.Is(err, ErrUnknownKind) {
			log.Debug().Err(err).Msg("skipping managed bridge message")
			continue
		}
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}

// Merge records the code ranges and names carried by msgs in raw. It must
// run before raw.LoadingCompleted. It returns the number of method ranges
// added.
func Merge(raw *rawprofile.Profile, msgs []Message) int {
	added := 0
	for _, m := range msgs {
		switch m := m.(type) {
		case FunctionCodeMessage:
			if len(m.Code) == 0 {
				continue
			}
			raw.AddManagedMethod(rawprofile.ManagedMethod{
				FunctionID: m.FunctionID,
				RejitID:    m.ReJITID,
				ProcessID:  int(m.ProcessID),
				Address:    m.Address,
				Size:       uint64(len(m.Code)),
			})
			added++
		case FunctionCallTargetMessage:
			raw.AddManagedMethodName(m.Address, m.Name)
		}
	}
	return added
}
