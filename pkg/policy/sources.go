package policy

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
)

// PendingPackage is the package every pending policy module declares.
const PendingPackage = "data.conveyor.pending"

// policyFile reports whether name is read as a policy.
func policyFile(name string) bool {
	return strings.HasSuffix(name, ".rego") || strings.HasSuffix(name, ".json")
}

// readPolicies reads the policies under paths, walking directories
// recursively. Any file that does not parse fails the whole read, so a
// half-written edit never removes hold rules that were in force.
func readPolicies(paths []string) ([]Policy, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(name string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && policyFile(name) {
				files = append(files, name)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("policy directory %s: %w", path, err)
		}
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, file := range files {
		p, err := readPolicy(file)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("policy %s is defined by %s and %s", p.Name, other, file)
		}
		seen[p.Name] = file
		policies = append(policies, p)
	}
	return policies, nil
}

// readPolicy reads one .rego module, or a .json document of the form
// {"name": ..., "enabled": ..., "rego": ...}.
func readPolicy(file string) (Policy, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}

	var p Policy
	switch filepath.Ext(file) {
	case ".rego":
		p = Policy{
			Name:    strings.TrimSuffix(filepath.Base(file), ".rego"),
			Rego:    string(data),
			Enabled: true,
		}
	case ".json":
		p.Enabled = true
		if err := json.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("policy %s: %w", file, err)
		}
		if p.Name == "" {
			return Policy{}, fmt.Errorf("policy %s has no name", file)
		}
	default:
		return Policy{}, fmt.Errorf("unsupported policy file %s", file)
	}
	p.Source = file

	if err := checkModule(p); err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", file, err)
	}
	return p, nil
}

// checkModule parses the module of p and requires it to extend the pending
// package, since rules anywhere else never reach the hold decision.
func checkModule(p Policy) error {
	if strings.TrimSpace(p.Rego) == "" {
		return fmt.Errorf("no rego module")
	}
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return err
	}
	if module == nil {
		return fmt.Errorf("no rego module")
	}
	if pkg := module.Package.Path.String(); pkg != PendingPackage {
		return fmt.Errorf("declares package %s, want %s", strings.TrimPrefix(pkg, "data."), strings.TrimPrefix(PendingPackage, "data."))
	}
	return nil
}
