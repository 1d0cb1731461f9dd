package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func base(t language.Tag) language.Base {
	b, _ := t.Base()
	return b
}

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		tags     string
		expected language.Tag
	}{
		{"en-US,en;q=0.9", language.English},
		{"de-DE,de;q=0.9", language.German},
		{"fr-FR", language.English},
		{"", language.English},
	}
	for _, tt := range tests {
		assert.Equal(t, base(tt.expected), base(MatchLanguage(tt.tags)), tt.tags)
	}
}

func TestLocaleFromEnv(t *testing.T) {
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}
	assert.Equal(t, base(language.German), base(LocaleFromEnv(env(map[string]string{"LANG": "de_DE.UTF-8"}))))
	assert.Equal(t, base(language.German), base(LocaleFromEnv(env(map[string]string{"LC_ALL": "de_AT", "LANG": "en_US"}))))
	assert.Equal(t, base(language.English), base(LocaleFromEnv(env(map[string]string{"LANG": "C"}))))
	assert.Equal(t, base(language.English), base(LocaleFromEnv(env(nil))))
}

func TestPrinterGroupsNumbers(t *testing.T) {
	assert.Equal(t, "12,345", message.NewPrinter(language.English).Sprintf("%d", 12345))
	assert.Equal(t, "12.345", message.NewPrinter(language.German).Sprintf("%d", 12345))
}
