package tts

import (
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// englishNames maps lower-cased English language names ("german") to tags.
var englishNames = sync.OnceValue(func() map[string]language.Tag {
	namer := display.English.Languages()
	names := make(map[string]language.Tag)
	for _, tag := range display.Supported.Tags() {
		base, _ := tag.Base()
		if name := namer.Name(base); name != "" {
			names[strings.ToLower(name)] = language.Make(base.String())
		}
	}
	return names
})

// languageCode turns an output language such as "English", "de" or "pt-BR"
// into a BCP-47 code with a region ("en-US"). Unknown names yield "".
func languageCode(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return ""
	}
	tag, ok := englishNames()[strings.ToLower(lang)]
	if !ok {
		parsed, err := language.Parse(lang)
		if err != nil || parsed == language.Und {
			return ""
		}
		tag = parsed
	}
	base, _ := tag.Base()
	region, _ := tag.Region()
	full, err := language.Compose(base, region)
	if err != nil {
		return base.String()
	}
	return full.String()
}
