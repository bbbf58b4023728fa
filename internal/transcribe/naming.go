package transcribe

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxNameTokens = 4
	maxNameRunes  = 48
)

// nameStopwords are Portuguese function words, greetings and dictation
// fillers excluded from derived session names.
var nameStopwords = map[string]struct{}{
	// articles, prepositions, conjunctions
	"a": {}, "o": {}, "as": {}, "os": {}, "um": {}, "uma": {}, "uns": {}, "umas": {},
	"de": {}, "da": {}, "do": {}, "das": {}, "dos": {}, "em": {}, "no": {}, "na": {},
	"nos": {}, "nas": {}, "num": {}, "numa": {}, "por": {}, "pelo": {}, "pela": {},
	"pelos": {}, "pelas": {}, "para": {}, "pra": {}, "pro": {}, "com": {}, "sem": {},
	"sob": {}, "sobre": {}, "que": {}, "e": {}, "ou": {}, "mas": {}, "se": {},
	"como": {}, "quando": {}, "onde": {}, "porque": {}, "ao": {}, "aos": {},
	// pronouns and demonstratives
	"eu": {}, "tu": {}, "ele": {}, "ela": {}, "eles": {}, "elas": {}, "nós": {},
	"você": {}, "voce": {}, "vocês": {}, "voces": {}, "me": {}, "te": {}, "lhe": {},
	"isso": {}, "isto": {}, "aquilo": {}, "esse": {}, "essa": {}, "este": {},
	"esta": {}, "aquele": {}, "aquela": {}, "meu": {}, "minha": {}, "seu": {},
	"sua": {}, "nosso": {}, "nossa": {},
	// common verbs in dictation openings
	"é": {}, "ser": {}, "foi": {}, "era": {}, "são": {}, "sao": {}, "está": {},
	"estão": {}, "estou": {}, "vou": {}, "vamos": {}, "quero": {}, "queria": {},
	"gostaria": {}, "falar": {}, "dizer": {}, "fazer": {}, "ter": {}, "tem": {},
	// greetings and fillers
	"bom": {}, "boa": {}, "dia": {}, "tarde": {}, "noite": {}, "olá": {}, "ola": {},
	"oi": {}, "então": {}, "entao": {}, "né": {}, "ne": {}, "tá": {}, "ta": {},
	"aqui": {}, "hoje": {}, "agora": {}, "bem": {}, "muito": {}, "mais": {},
	"menos": {}, "já": {}, "ja": {}, "ainda": {}, "aí": {}, "ai": {}, "lá": {},
	"la": {}, "coisa": {}, "coisas": {}, "gente": {},
}

// DeriveName builds a short session name from a transcript: the first
// few meaningful tokens, lowercased, punctuation stripped. Returns ""
// when nothing meaningful remains.
func DeriveName(transcript string) string {
	var kept []string
	for _, word := range strings.Fields(transcript) {
		token := strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}))
		if utf8.RuneCountInString(token) < 2 {
			continue
		}
		if _, stop := nameStopwords[token]; stop {
			continue
		}
		kept = append(kept, token)
		if len(kept) == maxNameTokens {
			break
		}
	}
	name := strings.Join(kept, " ")
	if utf8.RuneCountInString(name) > maxNameRunes {
		runes := []rune(name)
		name = strings.TrimSpace(string(runes[:maxNameRunes]))
	}
	return name
}
