package command

// synonyms maps alternate command spellings to the canonical name the
// interpreter understands.
var synonyms = map[string]string{
	"merge": "land",
	"try":   "canary",
	"stop":  "cancel",
}

// Canonicalize resolves a synonym to its canonical command name, returning
// name unchanged if it isn't a known synonym.
func Canonicalize(name string) string {
	if canon, ok := synonyms[name]; ok {
		return canon
	}
	return name
}
