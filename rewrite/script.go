package rewrite

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"metarelay/metadata"
	"metarelay/routes"

	"golang.org/x/net/html"
)

// stabilityTemplate keeps the resolved title in place after the client
// application hydrates. The guard only holds while the current path still
// matches the route; elsewhere the application's own titles pass through.
// Template values are JSON literals, so they are safe inside the script body.
var stabilityTemplate = template.Must(template.New("stability").Parse(
	`<script data-metarelay="title-guard" data-metadata-endpoint="{{.Endpoint}}">` +
		`(function () {
  var title = {{.Title}};
  var pattern = new RegExp({{.Pattern}}, {{.Flags}});
  function onRoute() {
    var path = window.location.pathname;
    if (path.charAt(path.length - 1) !== "/") { path += "/"; }
    return pattern.test(path);
  }
  var desc = Object.getOwnPropertyDescriptor(Document.prototype, "title");
  if (!desc || !desc.get || !desc.set) {
    document.title = title;
    return;
  }
  function current() { return desc.get.call(document); }
  function reassert() {
    if (onRoute() && current() !== title) { desc.set.call(document, title); }
  }
  desc.set.call(document, title);
  Object.defineProperty(document, "title", {
    configurable: true,
    get: current,
    set: function (value) { desc.set.call(document, onRoute() ? title : value); }
  });
  if (window.MutationObserver) {
    new MutationObserver(reassert).observe(document.head || document.documentElement, {
      subtree: true, childList: true, characterData: true
    });
  }
  window.addEventListener("popstate", reassert);
})();
</script>`))

// ErrUnsupportedPattern reports a route pattern the title guard cannot evaluate
// in the browser with the same meaning it has on the server.
var ErrUnsupportedPattern = errors.New("route pattern not supported by the title guard")

// leadingFlags matches a flag group at the start of a pattern. JavaScript takes
// i, m and s as RegExp flags with the same meaning.
var leadingFlags = regexp.MustCompile(`^\(\?([ims]+)\)`)

// goOnlyEscapes are escapes RE2 accepts that JavaScript reads differently
// (\z, \A, \Q...\E, \p{..}, \C, \a) or only in unicode mode (\x{..}).
const goOnlyEscapes = "zAQECpPa"

type stabilityData struct {
	Title    string
	Pattern  string
	Flags    string
	Endpoint string
}

// StabilityScript renders the inline title guard for a resolved route.
// It returns an empty string when md carries no title.
//
// Parameters:
// - md: The resolved metadata.
// - rule: The matched route rule.
// - endpoint: The resolved metadata endpoint URL, exposed as a data attribute.
//
// Returns:
// - string: The complete <script> element.
// - error: An error if the template could not be rendered.
func StabilityScript(md metadata.Metadata, rule routes.Rule, endpoint string) (string, error) {
	if md.Title == "" || rule.Pattern == nil {
		return "", nil
	}

	source, flags, err := jsPattern(rule.Pattern.String())
	if err != nil {
		return "", err
	}
	data := stabilityData{
		Title:    jsString(md.Title),
		Pattern:  jsString(source),
		Flags:    jsString(flags),
		Endpoint: html.EscapeString(endpoint),
	}

	var sb strings.Builder
	if err := stabilityTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("rendering title guard: %w", err)
	}
	return sb.String(), nil
}

// CheckScriptPattern reports whether pattern can be carried into the title
// guard. The error wraps ErrUnsupportedPattern.
func CheckScriptPattern(pattern string) error {
	_, _, err := jsPattern(pattern)
	return err
}

// jsPattern translates an RE2 pattern into a JavaScript RegExp source and flags.
// A leading (?ims) group becomes RegExp flags; any other construct whose meaning
// differs between the two engines is rejected.
func jsPattern(pattern string) (source, flags string, err error) {
	source = pattern
	if m := leadingFlags.FindStringSubmatch(pattern); m != nil {
		source = pattern[len(m[0]):]
		for _, f := range "ims" {
			if strings.ContainsRune(m[1], f) {
				flags += string(f)
			}
		}
	}
	if err := checkJSSyntax(source); err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrUnsupportedPattern, pattern, err)
	}
	return source, flags, nil
}

func checkJSSyntax(source string) error {
	inClass := false
	for i := 0; i < len(source); i++ {
		c := source[i]
		switch {
		case c == '\\':
			if i+1 == len(source) {
				return nil
			}
			next := source[i+1]
			if strings.IndexByte(goOnlyEscapes, next) >= 0 || (next == 'x' && strings.HasPrefix(source[i+2:], "{")) {
				return fmt.Errorf("escape \\%c at offset %d", next, i)
			}
			i++
		case inClass:
			switch {
			case c == ']':
				inClass = false
			case strings.HasPrefix(source[i:], "[:"):
				return fmt.Errorf("POSIX class at offset %d", i)
			}
		case c == '[':
			inClass = true
			if strings.HasPrefix(source[i+1:], "^") {
				i++
			}
			// RE2 reads a leading ] as a literal; JavaScript closes the class.
			if strings.HasPrefix(source[i+1:], "]") {
				return fmt.Errorf("leading ] in class at offset %d", i)
			}
		case c == '(' && strings.HasPrefix(source[i:], "(?"):
			rest := source[i+2:]
			if !strings.HasPrefix(rest, ":") && !(strings.HasPrefix(rest, "<") && !strings.HasPrefix(rest, "<=") && !strings.HasPrefix(rest, "<!")) {
				return fmt.Errorf("group (?%.1s at offset %d", rest, i)
			}
		}
	}
	return nil
}

// jsString encodes s as a JavaScript string literal. encoding/json escapes <, > and &,
// so the literal cannot close the surrounding script element.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
