package cache

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

var ErrUnknownIdentity = errors.New("unknown identity")

// Store is the per-session account cache: one config record plus the
// identity records keyed by identity id. It is not safe for concurrent use;
// callers serialize access per session.
type Store struct {
	config     Config
	active     int
	identities map[int]*Identity
}

func New(cfg Config) *Store {
	return &Store{
		config:     cfg,
		identities: make(map[int]*Identity),
	}
}

// Config returns the live config record.
func (s *Store) Config() *Config {
	return &s.config
}

func (s *Store) Active() int {
	return s.active
}

func (s *Store) Lookup(iid int) (*Identity, bool) {
	rec, ok := s.identities[iid]
	return rec, ok
}

func (s *Store) Put(iid int, rec Identity) {
	rec = rec.clone()
	s.identities[iid] = &rec
}

func (s *Store) Remove(iid int) {
	delete(s.identities, iid)
	if s.active == iid {
		s.active = s.firstEnabled()
	}
}

// IDs returns the identity ids in ascending order.
func (s *Store) IDs() []int {
	ids := make([]int, 0, len(s.identities))
	for iid := range s.identities {
		ids = append(ids, iid)
	}
	sort.Ints(ids)
	return ids
}

// Seed replaces all identities and activates the first enabled one.
func (s *Store) Seed(records map[int]Identity) {
	s.identities = make(map[int]*Identity, len(records))
	for iid, rec := range records {
		s.Put(iid, rec)
	}
	s.active = s.firstEnabled()
}

func (s *Store) firstEnabled() int {
	for _, iid := range s.IDs() {
		if s.identities[iid].Flags.Enabled {
			return iid
		}
	}
	return 0
}

// Due returns copies of the enabled identities whose interval has elapsed.
func (s *Store) Due(now time.Time) map[int]Identity {
	due := make(map[int]Identity)
	for iid, rec := range s.identities {
		if rec.Flags.Enabled && rec.Due(now, s.config.Interval) {
			due[iid] = rec.clone()
		}
	}
	return due
}

// Merge applies one successful check result. It reports whether the
// unseen count changed and false for ok when iid is unknown. Applying the
// same result twice leaves the record as after the first application.
func (s *Store) Merge(iid, unseen int, checkedAt int64) (changed, ok bool) {
	rec, ok := s.identities[iid]
	if !ok {
		return false, false
	}
	if unseen != rec.Unseen {
		if unseen > rec.Unseen {
			if rec.Flags.UnseenInFlight {
				rec.Flags.UnseenInFlight = false
			} else {
				rec.Notify = true
			}
		}
		rec.Unseen = unseen
		changed = true
	}
	rec.CheckedLast = checkedAt
	return changed, true
}

// Switch makes iid the active identity. The outgoing identity keeps its
// unseen count, is marked in flight and becomes due at once so its next
// check recounts it without an announcement.
func (s *Store) Switch(iid int) error {
	next, ok := s.identities[iid]
	if !ok {
		return errors.Wrapf(ErrUnknownIdentity, "switch to %d", iid)
	}
	if !next.Flags.Enabled {
		return errors.Errorf("identity %d is disabled", iid)
	}
	if iid == s.active {
		return nil
	}
	if prev, ok := s.identities[s.active]; ok {
		prev.Flags.UnseenInFlight = true
		prev.CheckedLast = 0
	}
	s.active = iid
	return nil
}

// CatchNewMessages records n new messages seen by the host on the active
// identity.
func (s *Store) CatchNewMessages(n int, now time.Time) error {
	rec, ok := s.identities[s.active]
	if !ok {
		return errors.Wrap(ErrUnknownIdentity, "no active identity")
	}
	if n <= 0 {
		return nil
	}
	rec.Unseen += n
	rec.CheckedLast = now.Unix()
	rec.Notify = true
	return nil
}
