package worker

import (
	"context"

	"aaronromeo.com/identityswitch/internal/cache"
	imapv1 "github.com/emersion/go-imap"
)

// FolderSet returns the folders whose unseen counts make up an identity's
// total. The inbox is always first. With CheckAll every subscribed folder
// is added, minus the identity's special folders; the inbox is never
// excluded.
func FolderSet(ctx context.Context, st Storage, rec cache.Identity) ([]string, error) {
	folders := []string{imapv1.InboxName}
	if !rec.Flags.Folders.CheckAll {
		return folders, nil
	}

	subscribed, err := st.ListSubscribed(ctx)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{}, len(rec.Folders))
	for _, name := range rec.Folders {
		if name == "" {
			continue
		}
		excluded[imapv1.CanonicalMailboxName(name)] = struct{}{}
	}

	seen := map[string]struct{}{imapv1.InboxName: {}}
	for _, name := range subscribed {
		canonical := imapv1.CanonicalMailboxName(name)
		if _, dup := seen[canonical]; dup {
			continue
		}
		if _, skip := excluded[canonical]; skip {
			continue
		}
		seen[canonical] = struct{}{}
		folders = append(folders, canonical)
	}
	return folders, nil
}
