package skilllearn

import (
	"bufio"
	"bytes"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/acontexthq/acontext/internal/apperr"
)

// SkillFilename is the root descriptor every skill disk must contain.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// SkillMeta is the YAML front matter of a SKILL.md.
type SkillMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ParseSkillMD splits and parses the YAML front matter of a SKILL.md.
// The markdown body is returned verbatim.
func ParseSkillMD(content string) (*SkillMeta, string, error) {
	front, body, err := splitFrontmatter([]byte(content))
	if err != nil {
		return nil, "", err
	}

	var meta SkillMeta
	if err := yaml.Unmarshal(front, &meta); err != nil {
		return nil, "", apperr.BadRequest("parse SKILL.md front matter: %v", err)
	}
	if meta.Name == "" {
		return nil, "", apperr.BadRequest("SKILL.md front matter requires a name")
	}
	if meta.Description == "" {
		return nil, "", apperr.BadRequest("SKILL.md front matter requires a description")
	}
	return &meta, string(body), nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, apperr.BadRequest("SKILL.md is empty")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, apperr.BadRequest("SKILL.md must open with a front matter delimiter")
	}

	var frontLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			foundClosing = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !foundClosing {
		return nil, nil, apperr.BadRequest("SKILL.md front matter is not closed")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, apperr.BadRequest("read SKILL.md: %v", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// SanitizeName normalizes a skill name: path and shell metacharacters
// and whitespace become hyphens.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SplitPath validates a skill-relative file path and splits it into
// the store's (path, filename) form: "scripts/main.py" becomes
// ("scripts/", "main.py"), a bare filename becomes ("/", name).
func SplitPath(raw string) (string, string, error) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", "", apperr.BadRequest("file path is required")
	}
	if strings.HasPrefix(cleaned, "/") {
		return "", "", apperr.BadRequest("file path must be relative: %q", raw)
	}
	for _, segment := range strings.Split(cleaned, "/") {
		if segment == ".." {
			return "", "", apperr.Forbidden("file path must not traverse upward: %q", raw)
		}
		if segment == "" {
			return "", "", apperr.BadRequest("file path has an empty segment: %q", raw)
		}
	}

	idx := strings.LastIndexByte(cleaned, '/')
	if idx < 0 {
		return "/", cleaned, nil
	}
	return cleaned[:idx+1], cleaned[idx+1:], nil
}
