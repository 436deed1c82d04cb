package definitions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"loopline/internal/domain"
)

// LoadError reports a definition file that could not be loaded. Other files
// in the same scan are unaffected.
type LoadError struct {
	Path string
	Kind string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Source names the directories definitions are read from.
type Source struct {
	SkillDirs []string
	LoopDirs  []string
}

// Set is the result of one scan. Skills and Loops are sorted by source path.
type Set struct {
	Skills   []domain.Skill
	Loops    []LoopDefinition
	Problems []*LoadError
}

const parseConcurrency = 8

// Load scans every directory in src and parses the files it finds. Missing
// directories are treated as empty. Only I/O failures on the directories
// themselves are returned as an error; per-file problems land in Set.Problems.
func Load(ctx context.Context, src Source) (Set, error) {
	skillPaths, err := scan(src.SkillDirs, isSkillFile)
	if err != nil {
		return Set{}, err
	}
	loopPaths, err := scan(src.LoopDirs, isYAMLFile)
	if err != nil {
		return Set{}, err
	}

	skills := make([]domain.Skill, len(skillPaths))
	skillErrs := make([]error, len(skillPaths))
	loops := make([]LoopDefinition, len(loopPaths))
	loopErrs := make([]error, len(loopPaths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parseConcurrency)
	for i, path := range skillPaths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				skillErrs[i] = err
				return nil
			}
			skills[i], skillErrs[i] = ParseSkill(path, data)
			return nil
		})
	}
	for i, path := range loopPaths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				loopErrs[i] = err
				return nil
			}
			loops[i], loopErrs[i] = ParseLoop(path, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Set{}, err
	}

	var set Set
	seenSkills := map[string]string{}
	for i, path := range skillPaths {
		if skillErrs[i] != nil {
			set.Problems = append(set.Problems, &LoadError{Path: path, Kind: "skill", Err: skillErrs[i]})
			continue
		}
		s := skills[i]
		if first, dup := seenSkills[s.ID]; dup {
			set.Problems = append(set.Problems, &LoadError{Path: path, Kind: "skill", Err: fmt.Errorf("duplicate skill id %s (first defined in %s)", s.ID, first)})
			continue
		}
		seenSkills[s.ID] = path
		set.Skills = append(set.Skills, s)
	}
	seenLoops := map[string]string{}
	for i, path := range loopPaths {
		if loopErrs[i] != nil {
			set.Problems = append(set.Problems, &LoadError{Path: path, Kind: "loop", Err: loopErrs[i]})
			continue
		}
		l := loops[i]
		if first, dup := seenLoops[l.ID]; dup {
			set.Problems = append(set.Problems, &LoadError{Path: path, Kind: "loop", Err: fmt.Errorf("duplicate loop id %s (first defined in %s)", l.ID, first)})
			continue
		}
		seenLoops[l.ID] = path
		set.Loops = append(set.Loops, l)
	}
	return set, nil
}

// scan walks each directory and returns the matching file paths sorted.
func scan(dirs []string, match func(path string, d fs.DirEntry) bool) ([]string, error) {
	var out []string
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && path == dir {
					return fs.SkipDir
				}
				return err
			}
			if d.IsDir() {
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return fs.SkipDir
				}
				return nil
			}
			if match(path, d) {
				out = append(out, filepath.Clean(path))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// isSkillFile accepts `<id>.md` at any depth and `<id>/SKILL.md`; README files are ignored.
func isSkillFile(path string, d fs.DirEntry) bool {
	name := d.Name()
	if !strings.EqualFold(filepath.Ext(name), ".md") {
		return false
	}
	return !strings.EqualFold(strings.TrimSuffix(name, filepath.Ext(name)), "README")
}

func isYAMLFile(path string, d fs.DirEntry) bool {
	lower := strings.ToLower(d.Name())
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
