package rabbitlink

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const copyrightLine = "// Copyright 2024 Rabbitlink Contributors"

func TestCopyrightHeadersNameThisProject(t *testing.T) {
	var checked int
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != "." && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		if scanner.Scan() && strings.HasPrefix(scanner.Text(), "// Copyright") {
			checked++
			assert.Equal(t, copyrightLine, scanner.Text(), path)
		}
		return scanner.Err()
	})
	require.NoError(t, err)
	assert.NotZero(t, checked)
}
