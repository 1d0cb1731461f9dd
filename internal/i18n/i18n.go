// Package i18n picks the message printer for command-line output. Counts
// and sizes in reports are formatted for the operator's locale.
package i18n

import (
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language.
var DefaultLang = language.English

// SupportedLangs are the languages output is formatted for.
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// MatchLanguage returns the best supported match for a list of language
// tags such as "de-DE,de;q=0.9".
func MatchLanguage(tags string) language.Tag {
	parsed, _, _ := language.ParseAcceptLanguage(tags)
	tag, _, _ := matcher.Match(parsed...)
	return tag
}

// LocaleFromEnv returns the tag named by LC_ALL or LANG, with any
// encoding suffix removed. It falls back to DefaultLang.
func LocaleFromEnv(getenv func(string) string) language.Tag {
	lang := getenv("LC_ALL")
	if lang == "" {
		lang = getenv("LANG")
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLang
	}
	if i := strings.IndexAny(lang, ".@"); i != -1 {
		lang = lang[:i]
	}
	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return MatchLanguage(lang)
	}
	tag, _, _ = matcher.Match(tag)
	return tag
}

// NewCLIPrinter returns a printer for the process locale.
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(LocaleFromEnv(os.Getenv))
}
