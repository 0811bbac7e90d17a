package cache

import (
	"encoding/json"

	"aaronromeo.com/identityswitch/pkg/utils"
	"github.com/pkg/errors"
)

// Snapshot is the serialized form handed to the out-of-band workers: the
// config record and the identities due for a check.
type Snapshot struct {
	Config     Config           `json:"config"`
	Identities map[int]Identity `json:"identities"`
}

func (s *Store) Snapshot(due map[int]Identity) Snapshot {
	return Snapshot{Config: s.config, Identities: due}
}

func WriteSnapshot(fm utils.FileManager, path string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	if err := fm.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "write snapshot %s", path)
	}
	return nil
}

func ReadSnapshot(fm utils.FileManager, path string) (*Snapshot, error) {
	data, err := fm.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read snapshot %s", path)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot %s", path)
	}
	if snap.Config.Data == "" {
		snap.Config.Data = DataPath(path)
	}
	return &snap, nil
}
