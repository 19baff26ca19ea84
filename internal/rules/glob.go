package rules

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const globCacheSize = 1024

var globCache *lru.Cache[string, *regexp.Regexp]

func init() {
	cache, err := lru.New[string, *regexp.Regexp](globCacheSize)
	if err != nil {
		panic(err)
	}
	globCache = cache
}

// Match reports whether target matches pattern under the glob dialect of
// permission. For path permissions ** crosses separators and * does not.
// For command permissions * matches anything, and a trailing " *" also
// matches the bare command ("git *" matches "git").
func Match(permission Permission, pattern, target string) bool {
	return compile(permission.pathLike(), pattern).MatchString(target)
}

func compile(pathLike bool, pattern string) *regexp.Regexp {
	key := "c:" + pattern
	if pathLike {
		key = "p:" + pattern
	}
	if re, ok := globCache.Get(key); ok {
		return re
	}
	re := regexp.MustCompile(translate(pathLike, pattern))
	globCache.Add(key, re)
	return re
}

func translate(pathLike bool, pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	optionalArgs := false
	if !pathLike && strings.HasSuffix(pattern, " *") {
		pattern = strings.TrimSuffix(pattern, " *")
		optionalArgs = true
	}
	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**/") && pathLike:
			b.WriteString("(?:.*/)?")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			if pathLike {
				b.WriteString("[^/]*")
			} else {
				b.WriteString(".*")
			}
			i++
		case pattern[i] == '?':
			if pathLike {
				b.WriteString("[^/]")
			} else {
				b.WriteString(".")
			}
			i++
		default:
			j := i
			for j < len(pattern) && pattern[j] != '*' && pattern[j] != '?' {
				j++
			}
			b.WriteString(regexp.QuoteMeta(pattern[i:j]))
			i = j
		}
	}
	if optionalArgs {
		b.WriteString("(?: .*)?")
	}
	b.WriteString("$")
	return b.String()
}
