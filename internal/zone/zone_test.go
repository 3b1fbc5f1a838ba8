package zone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeZoneFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirParsesBasicRecords(t *testing.T) {
	dir := t.TempDir()
	writeZoneFile(t, dir, "example.zone", `
$ORIGIN example.com
www 300 A 192.0.2.1
mail AAAA 2001:db8::1
alias CNAME www.example.com
geo DYNA metafo!web
`)

	zones, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, zones, 1)

	z, ok := zones["example.com"]
	require.True(t, ok)
	require.Len(t, z.Records["www"], 1)
	require.Equal(t, TypeA, z.Records["www"][0].Type)
	require.Equal(t, uint32(300), z.Records["www"][0].TTL)

	require.Equal(t, TypeAAAA, z.Records["mail"][0].Type)
	require.Equal(t, uint32(300), z.Records["mail"][0].TTL, "missing TTL must default")

	require.Equal(t, TypeCNAME, z.Records["alias"][0].Type)
	require.Equal(t, "www.example.com", z.Records["alias"][0].Target)

	require.Equal(t, TypeDYNA, z.Records["geo"][0].Type)
	require.Equal(t, "metafo", z.Records["geo"][0].Plugin)
	require.Equal(t, "web", z.Records["geo"][0].Res)
}

func TestLoadFileRejectsMissingOrigin(t *testing.T) {
	dir := t.TempDir()
	writeZoneFile(t, dir, "bad.zone", "www 300 A 192.0.2.1\n")

	_, err := LoadDir(dir)
	require.Error(t, err)
}

func TestTreeLookupWalksUpToEnclosingZone(t *testing.T) {
	tree := NewTree()
	tree.Publish(map[string]*Zone{
		"example.com": {Origin: "example.com", Records: map[string][]Record{}},
	})

	z, ok := tree.Lookup("www.example.com")
	require.True(t, ok)
	require.Equal(t, "example.com", z.Origin)

	_, ok = tree.Lookup("other.org")
	require.False(t, ok)
}
