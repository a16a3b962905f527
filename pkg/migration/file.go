package migration

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Section markers of a migration file
const (
	markerUp   = "-- +migrate up"
	markerDown = "-- +migrate down"
)

// File is a parsed migration file
type File struct {
	Name     string
	Checksum string
	Up       []string
	Down     []string
}

// Checksum returns the MD5 hex digest of a migration file
func Checksum(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// ParseFile splits a migration file into its UP and DOWN statements.
// Sections start at a `-- +migrate Up` or `-- +migrate Down` line; both are
// required. Text before the first marker is ignored.
func ParseFile(name string, content []byte) (*File, error) {
	var (
		up, down         strings.Builder
		current          *strings.Builder
		seenUp, seenDown bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.ToLower(strings.TrimSpace(line)) {
		case markerUp:
			if seenUp {
				return nil, fmt.Errorf("migration file `%s`: duplicate UP section", name)
			}
			seenUp = true
			current = &up
			continue
		case markerDown:
			if seenDown {
				return nil, fmt.Errorf("migration file `%s`: duplicate DOWN section", name)
			}
			seenDown = true
			current = &down
			continue
		}
		if current != nil {
			current.WriteString(line)
			current.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("migration file `%s`: %w", name, err)
	}
	if !seenUp {
		return nil, fmt.Errorf("migration file `%s`: missing `-- +migrate Up` section", name)
	}
	if !seenDown {
		return nil, fmt.Errorf("migration file `%s`: missing `-- +migrate Down` section", name)
	}

	return &File{
		Name:     name,
		Checksum: Checksum(content),
		Up:       SplitStatements(up.String()),
		Down:     SplitStatements(down.String()),
	}, nil
}

// SplitStatements splits SQL text on semicolons outside of quotes and
// comments. Empty statements are dropped.
func SplitStatements(sql string) []string {
	var (
		out   []string
		cur   strings.Builder
		runes = []rune(sql)
	)
	flush := func() {
		if stmt := strings.TrimSpace(cur.String()); stmt != "" {
			out = append(out, stmt)
		}
		cur.Reset()
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			// Quoted literal or identifier; doubled quotes escape
			cur.WriteRune(c)
			for i++; i < len(runes); i++ {
				cur.WriteRune(runes[i])
				if runes[i] == c {
					if i+1 < len(runes) && runes[i+1] == c {
						i++
						cur.WriteRune(runes[i])
						continue
					}
					break
				}
			}
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			cur.WriteRune('\n')
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++
			cur.WriteRune(' ')
		case c == ';':
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return out
}
