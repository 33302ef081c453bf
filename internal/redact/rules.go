package redact

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type numberedLine struct {
	source string
	number int
	text   string
}

// Built-in patterns, referenced as "@name" or "@name => replacement".
var presets = map[string]struct {
	pattern     string
	replacement string
}{
	"email": {`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`, "[email]"},
	"phone": {`\+?\d[\d\s().\-]{7,}\d`, "[phone]"},
	"url":   {`https?://[^\s]+`, "[link]"},
}

func parseRules(lines []numberedLine) ([]Rule, error) {
	rules := make([]Rule, 0, len(lines))
	for _, raw := range lines {
		line := strings.TrimSpace(raw.text)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			rule Rule
			err  error
		)
		switch {
		case strings.HasPrefix(line, "@"):
			rule, err = parsePresetRule(line)
		case looksLikeRegexRule(line):
			rule, err = parseRegexRule(line)
		case strings.Contains(line, "=>"):
			rule, err = parseLiteralRule(line)
		default:
			err = errors.New("unsupported rule format")
		}
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", raw.source, raw.number, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

type patternRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func (r patternRule) Apply(input string) (string, int) {
	if r.global {
		hits := len(r.re.FindAllStringIndex(input, -1))
		if hits == 0 {
			return input, 0
		}
		return r.re.ReplaceAllString(input, r.replacement), hits
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, 0
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	return input[:loc[0]] + string(expanded) + input[loc[1]:], 1
}

func parsePresetRule(line string) (Rule, error) {
	name, replacement, hasReplacement := strings.Cut(strings.TrimPrefix(line, "@"), "=>")
	name = strings.ToLower(strings.TrimSpace(name))
	preset, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", name)
	}
	rule := patternRule{re: regexp.MustCompile(preset.pattern), replacement: preset.replacement, global: true}
	if hasReplacement {
		rule.replacement = strings.TrimSpace(replacement)
	}
	return rule, nil
}

// Literal rules match case-insensitively on word boundaries.
func parseLiteralRule(line string) (Rule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`)
	if err != nil {
		return nil, fmt.Errorf("invalid literal source: %w", err)
	}
	return patternRule{re: re, replacement: strings.ReplaceAll(strings.TrimSpace(to), "$", "$$"), global: true}, nil
}

// parseRegexRule reads s/pattern/replacement/flags with any
// non-alphanumeric delimiter. Flags: i, g, m, s.
func parseRegexRule(line string) (Rule, error) {
	delim := line[1]
	pattern, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := parseDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}

	global := false
	prefix := ""
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'g':
			global = true
		case 'i', 'm', 's':
			if !strings.ContainsRune(prefix, flag) {
				prefix += string(flag)
			}
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return patternRule{re: re, replacement: replacement, global: global}, nil
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		switch {
		case escaped:
			if char != delim {
				builder.WriteByte('\\')
			}
			builder.WriteByte(char)
			escaped = false
		case char == '\\':
			escaped = true
		case char == delim:
			return builder.String(), index + 1, nil
		default:
			builder.WriteByte(char)
		}
	}
	return "", 0, errors.New("unterminated expression")
}

func isAlphaNumericOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}

func looksLikeRegexRule(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isAlphaNumericOrSpace(line[1])
}
