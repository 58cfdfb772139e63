package protocol

import (
	"regexp"
	"strings"
)

const (
	unicodeArrow = `→`
	anyArrow     = `(?:→|->|=>)`
	tokenPattern = `([A-Za-z0-9_-]+)`
)

// Submatch group indexes within grammar.header.
const (
	groupNew        = 1
	groupNewID      = 2
	groupNewTitle   = 3
	groupNewSize    = 4
	groupReplace    = 5
	groupReplaceID  = 6
	groupScript     = 7
	groupScriptID   = 8
	groupClose      = 9
	groupCloseID    = 10
	headerGroupSize = 11
)

type grammar struct {
	header       *regexp.Regexp
	terminator   *regexp.Regexp
	htmlMarker   *regexp.Regexp
	scriptMarker *regexp.Regexp
}

var (
	unicodeGrammar = compileGrammar(unicodeArrow)
	asciiGrammar   = compileGrammar(anyArrow)
)

func grammarFor(opts Options) *grammar {
	if opts.ASCIIArrows {
		return asciiGrammar
	}
	return unicodeGrammar
}

func compileGrammar(arrow string) *grammar {
	newPat := `WINDOW\s+NEW\s*` + arrow + `\s*id:\s*` + tokenPattern + `[\s,]*title:\s*"([^"]+)"(?:[\s,]*size:\s*([A-Za-z]+))?`
	replacePat := `DOM\s+REPLACE\s+HTML\s*` + arrow + `\s*selector:\s*#` + tokenPattern
	scriptPat := `WINDOW\s+SCRIPT\s*` + arrow + `\s*id:\s*` + tokenPattern
	closePat := `WINDOW\s+CLOSE\s*` + arrow + `\s*id:\s*` + tokenPattern
	header := `(?i)(` + newPat + `)|(` + replacePat + `)|(` + scriptPat + `)|(` + closePat + `)`
	return &grammar{
		header:       regexp.MustCompile(header),
		terminator:   regexp.MustCompile(`(?i)^\s*(?:WINDOW\s+(?:NEW|SCRIPT|CLOSE)|DOM\s+REPLACE\s+HTML)\b`),
		htmlMarker:   regexp.MustCompile(`(?i)HTML\s+CONTENT:`),
		scriptMarker: regexp.MustCompile(`(?i)SCRIPT\s+CONTENT:`),
	}
}

// group returns the text of submatch g, or "" when it did not participate.
func group(line string, match []int, g int) string {
	start, end := match[2*g], match[2*g+1]
	if start < 0 || end < 0 {
		return ""
	}
	return line[start:end]
}

func (g *grammar) isTerminator(line string) bool {
	return g.terminator.MatchString(line)
}

func (g *grammar) hasHeader(line string) bool {
	return g.header.MatchString(line)
}

// marker returns the offset just past a content marker in line.
func (g *grammar) marker(line string, html bool) (int, bool) {
	re := g.scriptMarker
	if html {
		re = g.htmlMarker
	}
	loc := re.FindStringIndex(line)
	if loc == nil {
		return 0, false
	}
	return loc[1], true
}

func looksLikeHTML(content string) bool {
	return strings.Contains(content, "<") && strings.Contains(content, ">")
}
