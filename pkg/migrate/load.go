package migrate

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strconv"
	"strings"
)

var commentPrefixes = []string{"//", "#", ";"}

// Load parses a migration list. Each line is "<id>: <migration>", where <migration> is a name
// in registry or else the path of an SQL script in fsys. Blank lines and lines starting with
// //, # or ; are ignored. Migrations are returned sorted by id.
func Load(r io.Reader, fsys fs.FS, registry *Registry) ([]Migration, error) {
	var migrations []Migration
	seen := make(map[int64]bool)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || isComment(line) {
			continue
		}

		rawID, value, ok := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			return nil, fmt.Errorf("line %d: expected \"<id>: <migration>\", got %q", lineNo, line)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid migration id %q", lineNo, strings.TrimSpace(rawID))
		}
		if seen[id] {
			return nil, fmt.Errorf("multiple migrations have id %d", id)
		}
		seen[id] = true

		if factory, ok := registry.Lookup(value); ok {
			migrations = append(migrations, factory(id))
		} else {
			migrations = append(migrations, NewScriptMigration(id, fsys, value))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read migration list: %w", err)
	}

	sortByID(migrations)
	return migrations, nil
}

// LoadFile parses the migration list at path in fsys. See Load.
func LoadFile(fsys fs.FS, path string, registry *Registry) ([]Migration, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration list: %w", err)
	}
	defer f.Close()
	return Load(f, fsys, registry)
}

func isComment(line string) bool {
	for _, prefix := range commentPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func sortByID(migrations []Migration) {
	slices.SortStableFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.ID(), b.ID())
	})
}
