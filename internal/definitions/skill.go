package definitions

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"loopline/internal/domain"
)

var (
	ErrMissingFrontMatter   = errors.New("definitions: missing front matter")
	ErrMalformedFrontMatter = errors.New("definitions: malformed front matter")
)

type skillFrontMatter struct {
	ID          string                 `yaml:"id" validate:"required"`
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Required    *bool                  `yaml:"required"`
	Guarantees  []guaranteeFrontMatter `yaml:"guarantees" validate:"dive"`
}

type guaranteeFrontMatter struct {
	ID        string `yaml:"id" validate:"required"`
	Statement string `yaml:"statement" validate:"required"`
	Required  *bool  `yaml:"required"`
}

// SplitFrontMatter separates a `---` fenced YAML header from the document body.
func SplitFrontMatter(content []byte) ([]byte, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	if bytes.HasPrefix(rest, []byte("---\n")) {
		return nil, rest[4:], nil
	}
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		if bytes.HasSuffix(rest, []byte("\n---")) {
			return rest[:len(rest)-4], nil, nil
		}
		return nil, nil, ErrMalformedFrontMatter
	}
	return parts[0], parts[1], nil
}

// ParseSkill decodes a skill document. The id falls back to the file name
// (`<id>.md`) or the parent directory (`<id>/SKILL.md`) when the header omits it.
func ParseSkill(path string, content []byte) (domain.Skill, error) {
	header, body, err := SplitFrontMatter(content)
	if err != nil {
		return domain.Skill{}, err
	}
	var fm skillFrontMatter
	if err := yaml.Unmarshal(header, &fm); err != nil {
		return domain.Skill{}, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	fm.ID = strings.TrimSpace(fm.ID)
	if fm.ID == "" {
		fm.ID = skillIDFromPath(path)
	}
	if err := checkStruct(fm); err != nil {
		return domain.Skill{}, err
	}
	skill := domain.Skill{
		ID:                fm.ID,
		Name:              strings.TrimSpace(fm.Name),
		Description:       strings.TrimSpace(fm.Description),
		RequiredByDefault: boolOr(fm.Required, true),
		Content:           strings.TrimLeft(string(body), "\n"),
		Source:            cleanPath(path),
		Checksum:          checksum(content),
	}
	seen := map[string]struct{}{}
	for _, g := range fm.Guarantees {
		id := strings.TrimSpace(g.ID)
		if _, dup := seen[id]; dup {
			return domain.Skill{}, fmt.Errorf("skill %s: duplicate guarantee %s", skill.ID, id)
		}
		seen[id] = struct{}{}
		skill.Guarantees = append(skill.Guarantees, domain.Guarantee{
			ID:        id,
			Statement: strings.TrimSpace(g.Statement),
			Required:  boolOr(g.Required, true),
		})
	}
	return skill, nil
}

func skillIDFromPath(path string) string {
	if path == "" {
		return ""
	}
	base := filepath.Base(path)
	if strings.EqualFold(base, "SKILL.md") {
		return filepath.Base(filepath.Dir(path))
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
