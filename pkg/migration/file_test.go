package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFile(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantUp   []string
		wantDown []string
		wantErr  string
	}{
		{
			name: "both sections",
			content: `-- header comment
-- +migrate Up
CREATE TABLE author (id INTEGER PRIMARY KEY, name TEXT);
CREATE INDEX author_name ON author (name);
-- +migrate Down
DROP TABLE author;
`,
			wantUp:   []string{"CREATE TABLE author (id INTEGER PRIMARY KEY, name TEXT)", "CREATE INDEX author_name ON author (name)"},
			wantDown: []string{"DROP TABLE author"},
		},
		{
			name:     "markers are case insensitive",
			content:  "-- +MIGRATE UP\nSELECT 1;\n  -- +Migrate Down  \nSELECT 2;",
			wantUp:   []string{"SELECT 1"},
			wantDown: []string{"SELECT 2"},
		},
		{
			name:     "empty down section",
			content:  "-- +migrate Up\nSELECT 1;\n-- +migrate Down\n",
			wantUp:   []string{"SELECT 1"},
			wantDown: nil,
		},
		{
			name:    "missing down",
			content: "-- +migrate Up\nSELECT 1;",
			wantErr: "missing `-- +migrate Down` section",
		},
		{
			name:    "missing up",
			content: "-- +migrate Down\nSELECT 1;",
			wantErr: "missing `-- +migrate Up` section",
		},
		{
			name:    "duplicate up",
			content: "-- +migrate Up\nSELECT 1;\n-- +migrate Up\n-- +migrate Down\n",
			wantErr: "duplicate UP section",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFile("0001_init.db", []byte(tt.content))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Contains(t, err.Error(), "0001_init.db")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "0001_init.db", f.Name)
			assert.Equal(t, Checksum([]byte(tt.content)), f.Checksum)
			assert.Equal(t, tt.wantUp, f.Up)
			assert.Equal(t, tt.wantDown, f.Down)
		})
	}
}

func TestChecksumChangesWithContent(t *testing.T) {
	a := Checksum([]byte("-- +migrate Up\nSELECT 1;"))
	b := Checksum([]byte("-- +migrate Up\nSELECT 2;"))
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Checksum([]byte("-- +migrate Up\nSELECT 1;")))
}

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{
			name: "simple",
			sql:  "SELECT 1; SELECT 2;",
			want: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "no trailing semicolon",
			sql:  "SELECT 1",
			want: []string{"SELECT 1"},
		},
		{
			name: "semicolon in string",
			sql:  "INSERT INTO t VALUES ('a;b'); SELECT 1;",
			want: []string{"INSERT INTO t VALUES ('a;b')", "SELECT 1"},
		},
		{
			name: "doubled quote escape",
			sql:  "INSERT INTO t VALUES ('it''s; fine');",
			want: []string{"INSERT INTO t VALUES ('it''s; fine')"},
		},
		{
			name: "quoted identifier",
			sql:  `CREATE TABLE "a;b" (id INTEGER);`,
			want: []string{`CREATE TABLE "a;b" (id INTEGER)`},
		},
		{
			name: "line comment",
			sql:  "SELECT 1; -- drop; this\nSELECT 2;",
			want: []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "block comment",
			sql:  "SELECT /* ; */ 1;",
			want: []string{"SELECT   1"},
		},
		{
			name: "empty statements dropped",
			sql:  ";;  ;\n",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitStatements(tt.sql))
		})
	}
}
