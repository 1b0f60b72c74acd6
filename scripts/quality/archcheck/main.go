package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePrefix = "alumni-sync/"

type listedPackage struct {
	ImportPath   string
	Imports      []string
	TestImports  []string
	XTestImports []string
}

func main() {
	packages, err := listPackages()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}

	violations := collectViolations(packages)
	if len(violations) == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "arch-check: passed\n")
		return
	}

	_, _ = fmt.Fprintf(os.Stdout, "arch-check: architecture violations:\n")
	for _, violation := range violations {
		_, _ = fmt.Fprintf(os.Stdout, "  - %s\n", violation)
	}
	os.Exit(1)
}

func listPackages() ([]listedPackage, error) {
	cmd := exec.Command("go", "list", "-json", "-test", "./...")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go list -json -test ./...: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	result := make([]listedPackage, 0, 64)
	for {
		var pkg listedPackage
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode go list output: %w", err)
		}
		if pkg.ImportPath == "" {
			continue
		}
		result = append(result, pkg)
	}

	return result, nil
}

func collectViolations(packages []listedPackage) []string {
	found := make(map[string]struct{})

	for _, pkg := range packages {
		imports := append([]string{}, pkg.Imports...)
		imports = append(imports, pkg.TestImports...)
		imports = append(imports, pkg.XTestImports...)

		for _, imported := range imports {
			reason := violationReason(pkg.ImportPath, imported)
			if reason == "" {
				continue
			}
			entry := fmt.Sprintf("%s -> %s (%s)", pkg.ImportPath, imported, reason)
			found[entry] = struct{}{}
		}
	}

	violations := make([]string, 0, len(found))
	for violation := range found {
		violations = append(violations, violation)
	}
	sort.Strings(violations)

	return violations
}

// layerRules lists forbidden import edges between module layers.
var layerRules = []struct {
	importer string
	imported string
	reason   string
}{
	{importer: "pkg/alumni", imported: "internal/", reason: "pkg/alumni must not import internal/*"},
	{importer: "internal/session", imported: "internal/kernel", reason: "components must not import the runtime"},
	{importer: "internal/cache", imported: "internal/kernel", reason: "components must not import the runtime"},
	{importer: "internal/realtime", imported: "internal/kernel", reason: "components must not import the runtime"},
	{importer: "internal/optimistic", imported: "internal/kernel", reason: "components must not import the runtime"},
	{importer: "internal/apiclient", imported: "internal/kernel", reason: "components must not import the runtime"},
	{importer: "internal/cache", imported: "internal/realtime", reason: "the cache must stay transport agnostic"},
	{importer: "internal/optimistic", imported: "internal/cache", reason: "mutations must not reach into the cache"},
	{importer: "internal/", imported: "internal/config", reason: "only cmd/* reads configuration"},
}

func violationReason(importer, imported string) string {
	if strings.HasPrefix(importer, modulePrefix+"internal/config") {
		return ""
	}
	for _, rule := range layerRules {
		if strings.HasPrefix(importer, modulePrefix+rule.importer) &&
			strings.HasPrefix(imported, modulePrefix+rule.imported) {
			return rule.reason
		}
	}

	return ""
}
