package chart

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile() File {
	return File{Tenants: map[string][]Account{
		"t1": {
			{ID: "6000:Meals", Name: "Meals & Entertainment"},
			{ID: "6400:Travel", Name: "Travel"},
		},
		"*": {
			{ID: "6999:Uncategorized", Name: "Uncategorized"},
		},
	}}
}

func TestCompile_Valid(t *testing.T) {
	p, err := Compile(testFile())
	require.NoError(t, err)

	accounts, err := p.Accounts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "6000:Meals", accounts[0].ID)
	assert.Equal(t, "Meals & Entertainment", accounts[0].Name)
}

func TestCompile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		f    File
	}{
		{"empty chart", File{}},
		{"missing id", File{Tenants: map[string][]Account{
			"t1": {{Name: "No ID"}},
		}}},
		{"duplicate id", File{Tenants: map[string][]Account{
			"t1": {{ID: "6000:Meals"}, {ID: "6000:Meals"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.f)
			assert.Error(t, err)
		})
	}
}

func TestAccounts_GlobalFallback(t *testing.T) {
	p, err := Compile(testFile())
	require.NoError(t, err)

	accounts, err := p.Accounts(context.Background(), "tenant-without-chart")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "6999:Uncategorized", accounts[0].ID)
}

func TestAccounts_NoFallback(t *testing.T) {
	p, err := Compile(File{Tenants: map[string][]Account{
		"t1": {{ID: "6000:Meals"}},
	}})
	require.NoError(t, err)

	_, err = p.Accounts(context.Background(), "t2")
	assert.Error(t, err)
}

func TestLoad_FromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenants:
  t1:
    - id: "6000:Meals"
      name: "Meals & Entertainment"
  "*":
    - id: "6999:Uncategorized"
      name: "Uncategorized"
`), 0o600))

	p, err := Load(path)
	require.NoError(t, err)

	accounts, err := p.Accounts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "6000:Meals", accounts[0].ID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
