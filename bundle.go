package webview

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// BundlePage bundles a page's entry script and everything it imports
// into one self-contained script, so local pages can use ES module
// imports without a dev server. Sources without imports are returned
// unchanged.
func BundlePage(entryPoint string) (string, error) {
	source, err := os.ReadFile(entryPoint)
	if err != nil {
		return "", fmt.Errorf("reading entry script: %w", err)
	}
	src := string(source)
	if !needsBundling(src) {
		return src, nil
	}

	dir, err := filepath.Abs(filepath.Dir(entryPoint))
	if err != nil {
		return "", fmt.Errorf("resolving entry dir: %w", err)
	}
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{entryPoint},
		AbsWorkingDir: dir,
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        esbuild.ES2020,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", filepath.Base(entryPoint), strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", filepath.Base(entryPoint))
	}
	return string(result.OutputFiles[0].Contents), nil
}

// needsBundling reports whether the script pulls in other modules.
func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "require(")
}
