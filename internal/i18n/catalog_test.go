package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrinter(t *testing.T) {
	tests := []struct {
		lang string
		want string
	}{
		{lang: "", want: "3 unread message(s) for work"},
		{lang: "en_US", want: "3 unread message(s) for work"},
		{lang: "de", want: "3 ungelesene Nachricht(en) für work"},
		{lang: "de-AT", want: "3 ungelesene Nachricht(en) für work"},
		{lang: "not a tag", want: "3 unread message(s) for work"},
	}

	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			assert.Equal(t, tt.want, Printer(tt.lang).Sprintf(NotifyMessage, 3, "work"))
		})
	}
}
