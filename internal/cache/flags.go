package cache

import (
	"encoding/json"
	"fmt"
)

// Bit values of the persisted identity flag word.
const (
	bitEnabled           uint32 = 0x0001
	bitIMAPSSL           uint32 = 0x0004
	bitIMAPTLS           uint32 = 0x0008
	bitSMTPSSL           uint32 = 0x0010
	bitSMTPTLS           uint32 = 0x0020
	bitNotifyBasic       uint32 = 0x0100
	bitNotifyDesktop     uint32 = 0x0200
	bitNotifySound       uint32 = 0x0400
	bitCheckAllFolders   uint32 = 0x0800
	bitShowRealFolder    uint32 = 0x1000
	bitLockSpecialFolder uint32 = 0x2000
	bitUnseenInFlight    uint32 = 0x4000
)

type TransportFlags struct {
	IMAPSSL bool
	IMAPTLS bool
	SMTPSSL bool
	SMTPTLS bool
}

type NotifyFlags struct {
	Basic   bool
	Desktop bool
	Sound   bool
}

type FolderFlags struct {
	CheckAll      bool
	ShowRealNames bool
	LockSpecial   bool
}

// Flags is the typed view of an identity's option bits. It encodes to the
// numeric flag word in JSON.
type Flags struct {
	Enabled   bool
	Transport TransportFlags
	Notify    NotifyFlags
	Folders   FolderFlags

	// UnseenInFlight marks an identity that was just switched away from; the
	// next increase of its unseen count is not announced.
	UnseenInFlight bool
}

func (f Flags) Bits() uint32 {
	var b uint32
	set := func(on bool, bit uint32) {
		if on {
			b |= bit
		}
	}
	set(f.Enabled, bitEnabled)
	set(f.Transport.IMAPSSL, bitIMAPSSL)
	set(f.Transport.IMAPTLS, bitIMAPTLS)
	set(f.Transport.SMTPSSL, bitSMTPSSL)
	set(f.Transport.SMTPTLS, bitSMTPTLS)
	set(f.Notify.Basic, bitNotifyBasic)
	set(f.Notify.Desktop, bitNotifyDesktop)
	set(f.Notify.Sound, bitNotifySound)
	set(f.Folders.CheckAll, bitCheckAllFolders)
	set(f.Folders.ShowRealNames, bitShowRealFolder)
	set(f.Folders.LockSpecial, bitLockSpecialFolder)
	set(f.UnseenInFlight, bitUnseenInFlight)
	return b
}

func FlagsFromBits(b uint32) Flags {
	has := func(bit uint32) bool { return b&bit != 0 }
	return Flags{
		Enabled: has(bitEnabled),
		Transport: TransportFlags{
			IMAPSSL: has(bitIMAPSSL),
			IMAPTLS: has(bitIMAPTLS),
			SMTPSSL: has(bitSMTPSSL),
			SMTPTLS: has(bitSMTPTLS),
		},
		Notify: NotifyFlags{
			Basic:   has(bitNotifyBasic),
			Desktop: has(bitNotifyDesktop),
			Sound:   has(bitNotifySound),
		},
		Folders: FolderFlags{
			CheckAll:      has(bitCheckAllFolders),
			ShowRealNames: has(bitShowRealFolder),
			LockSpecial:   has(bitLockSpecialFolder),
		},
		UnseenInFlight: has(bitUnseenInFlight),
	}
}

func (f Flags) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Bits())
}

func (f *Flags) UnmarshalJSON(data []byte) error {
	var b uint32
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("identity flags: %w", err)
	}
	*f = FlagsFromBits(b)
	return nil
}
