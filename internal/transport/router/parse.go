package router

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
)

var ridSeq uint64

func newReqID() string {
	n := atomic.AddUint64(&ridSeq, 1)
	// base36 timestamp + seq + 2 random chars
	return strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.FormatUint(n, 36) + randSuffix(2)
}

func randSuffix(n int) string {
	const alpha = "abcdefghijklmnopqrstuvwxyz0123456789"
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(alpha[rand.IntN(len(alpha))])
	}
	return b.String()
}

// cutWord splits s at the first run of whitespace.
func cutWord(s string) (word, rest string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	schedule add "tomorrow 09:00" hello --to=123
func tokenizeCommandLine(s string) []string {
	var out []string
	for {
		tok, rest, ok := nextToken(s)
		if !ok {
			return out
		}
		out = append(out, tok)
		s = rest
	}
}

// nextToken reads one token from the start of s and returns the unread
// remainder unchanged. Quotes group words; a backslash escapes one rune.
func nextToken(s string) (tok, rest string, ok bool) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return "", "", false
	}
	var (
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
	)
	for i, ch := range s {
		switch {
		case esc:
			buf.WriteRune(ch)
			esc = false
		case ch == '\\':
			esc = true
		case inQ:
			if ch == qChar {
				inQ = false
			} else {
				buf.WriteRune(ch)
			}
		case ch == '"' || ch == '\'' || ch == '“' || ch == '”':
			inQ, qChar = true, ch
			if ch == '“' {
				qChar = '”'
			}
		case unicode.IsSpace(ch):
			return buf.String(), s[i:], true
		default:
			buf.WriteRune(ch)
		}
	}
	return buf.String(), "", true
}

// leadingArgs reads n positional tokens from raw plus any flags before and
// right after them. The rest of raw is returned as typed, so a message keeps
// its newlines, quotes and backslashes.
func leadingArgs(raw string, n int) (pos []string, flags map[string]string, rest string) {
	flags = map[string]string{}
	s := raw
	for {
		tok, after, ok := nextToken(s)
		if !ok {
			return pos, flags, ""
		}
		key, isFlag := strings.CutPrefix(tok, "--")
		if !isFlag || key == "" {
			if len(pos) == n {
				break
			}
			pos = append(pos, tok)
			s = after
			continue
		}
		s = after
		if k, v, hasEq := strings.Cut(key, "="); hasEq {
			flags[k] = v
			continue
		}
		if v, after, ok := nextToken(s); ok && !strings.HasPrefix(v, "--") {
			flags[key] = v
			s = after
			continue
		}
		flags[key] = ""
	}
	return pos, flags, strings.TrimSpace(s)
}

// trailingDestination strips a final --to=<destination> from a message.
func trailingDestination(msg string) (string, string, bool) {
	msg = strings.TrimRightFunc(msg, unicode.IsSpace)
	i := strings.LastIndexFunc(msg, unicode.IsSpace)
	to, ok := strings.CutPrefix(msg[i+1:], "--to=")
	if !ok || to == "" {
		return msg, "", false
	}
	return strings.TrimRightFunc(msg[:i+1], unicode.IsSpace), to, true
}

// parseFlags splits raw args into positionals and flags.
//
// Supported:
//
//	--k=v, --k v, --flag (bool)
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) <= 2 {
			pos = append(pos, a)
			continue
		}
		key := strings.TrimPrefix(a, "--")
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			flags[key[:eq]] = key[eq+1:]
			continue
		}
		// value in next token?
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
			continue
		}
		bools[key] = true
	}
	return pos, flags, bools
}

// parseDestination accepts a numeric id or a Discord channel mention <#id>.
func parseDestination(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<#"), ">")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid destination %q", s)
	}
	return id, nil
}

// sanitizeMenuCommand converts a route into a Telegram-safe bot command
// name. Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeMenuCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}
