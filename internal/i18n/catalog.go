// Package i18n holds the user-facing strings of the polling engine.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys double as the English format strings.
const (
	NotifyTitle      = "New mail"
	AutoplayBlocked  = "Your browser blocked the notification sound"
	DesktopDenied    = "Desktop notifications are not permitted"
	NotifyMessage    = "%d unread message(s) for %s"
	ConnectFailed    = "Identity %d: cannot connect to %q for user %q"
	FolderListFailed = "Identity %d: cannot list folders: %v"
	CountFailed      = "Identity %d: cannot count unseen messages in %q: %v"
	UnknownIdentity  = "Identity %d is not part of the check snapshot"
	OpenFailed       = "Identity %d: cannot open connection to %q"
	RequestFailed    = "Identity %d: cannot send request to %q"
	RetriesExceeded  = "Number of retries exceeded, no answer for identities %v"
)

var supported = []language.Tag{language.English, language.German}

var matcher = language.NewMatcher(supported)

func init() {
	for key, text := range map[string]string{
		NotifyTitle:      "Neue Nachrichten",
		AutoplayBlocked:  "Der Browser hat den Benachrichtigungston blockiert",
		DesktopDenied:    "Desktop-Benachrichtigungen sind nicht erlaubt",
		NotifyMessage:    "%d ungelesene Nachricht(en) für %s",
		ConnectFailed:    "Identität %d: keine Verbindung zu %q für Benutzer %q",
		FolderListFailed: "Identität %d: Ordner können nicht gelistet werden: %v",
		CountFailed:      "Identität %d: ungelesene Nachrichten in %q nicht zählbar: %v",
		UnknownIdentity:  "Identität %d ist nicht Teil der Prüfung",
		OpenFailed:       "Identität %d: Verbindung zu %q kann nicht geöffnet werden",
		RequestFailed:    "Identität %d: Anfrage an %q kann nicht gesendet werden",
		RetriesExceeded:  "Maximale Anzahl an Versuchen überschritten, keine Antwort für Identitäten %v",
	} {
		if err := message.SetString(language.German, key, text); err != nil {
			panic(err)
		}
	}
}

// Printer returns a printer for the best supported match of lang, falling
// back to English.
func Printer(lang string) *message.Printer {
	tag := language.English
	if lang != "" {
		if parsed, err := language.Parse(lang); err == nil {
			_, idx, conf := matcher.Match(parsed)
			if conf != language.No {
				tag = supported[idx]
			}
		}
	}
	return message.NewPrinter(tag)
}
