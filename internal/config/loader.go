package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v2"
)

// LoadOptions controls how policies are loaded.
type LoadOptions struct {
	// Env overrides the process environment exposed as env.* in HCL.
	Env map[string]string

	// Hostname overrides the value exposed as hostname in HCL.
	Hostname string

	// SkipValidation returns the decoded policy without validating it.
	SkipValidation bool
}

// LoadResult contains the loaded policy and metadata about the load.
type LoadResult struct {
	Policy   *Policy
	Path     string
	Version  SchemaVersion
	Digest   string // blake3 of the source bytes
	Warnings []string
}

// LoadFile loads a policy file with default options.
func LoadFile(path string) (*Policy, error) {
	result, err := LoadFileWithOptions(path, LoadOptions{})
	if err != nil {
		return nil, err
	}
	return result.Policy, nil
}

// LoadFileWithOptions picks the decoder by extension (.hcl, .json,
// .yaml/.yml). Unknown extensions try HCL, then JSON.
func LoadFileWithOptions(path string, opts LoadOptions) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var result *LoadResult
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		result, err = LoadHCL(data, path, opts)
	case ".json":
		result, err = LoadJSON(data, opts)
	case ".yaml", ".yml":
		result, err = LoadYAML(data, opts)
	default:
		result, err = LoadHCL(data, path, opts)
		if err != nil {
			result, err = LoadJSON(data, opts)
		}
	}
	if err != nil {
		return nil, err
	}
	result.Path = path
	return result, nil
}

// LoadHCL decodes an HCL policy.
func LoadHCL(data []byte, filename string, opts LoadOptions) (*LoadResult, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var p Policy
	diags = gohcl.DecodeBody(file.Body, evalContext(opts), &p)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return finish(&p, data, opts)
}

// LoadJSON decodes a JSON policy.
func LoadJSON(data []byte, opts LoadOptions) (*LoadResult, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return finish(&p, data, opts)
}

// LoadYAML decodes a YAML policy.
func LoadYAML(data []byte, opts LoadOptions) (*LoadResult, error) {
	var p Policy
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	return finish(&p, data, opts)
}

func finish(p *Policy, data []byte, opts LoadOptions) (*LoadResult, error) {
	version, err := ParseVersion(p.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid schema version: %w", err)
	}
	if !IsSupportedVersion(version) {
		return nil, fmt.Errorf("unsupported policy schema version %s (this build reads %s)",
			version, CurrentSchemaVersion)
	}

	result := &LoadResult{Policy: p, Version: version, Digest: Digest(data)}
	if version.IsNewerThanBuild() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("policy schema %s is newer than %s; unknown fields were rejected by the decoder", version, CurrentSchemaVersion))
	}

	p.ApplyDefaults()
	if !opts.SkipValidation {
		errs := append(checkFeatures(p, version), p.Validate()...)
		if errs.HasErrors() {
			return nil, fmt.Errorf("invalid policy: %w", errs)
		}
	}
	return result, nil
}

// Digest returns the hex blake3 hash of a policy source.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// evalContext exposes env.* and hostname plus a few string functions to
// policy expressions.
func evalContext(opts LoadOptions) *hcl.EvalContext {
	env := opts.Env
	if env == nil {
		env = make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
	}
	envVals := make(map[string]cty.Value, len(env))
	for k, v := range env {
		if !hclsyntax.ValidIdentifier(k) {
			continue
		}
		envVals[k] = cty.StringVal(v)
	}

	host := opts.Hostname
	if host == "" {
		host, _ = os.Hostname()
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env":      cty.ObjectVal(envVals),
			"hostname": cty.StringVal(host),
		},
		Functions: map[string]function.Function{
			"upper":    stdlib.UpperFunc,
			"lower":    stdlib.LowerFunc,
			"join":     stdlib.JoinFunc,
			"format":   stdlib.FormatFunc,
			"coalesce": stdlib.CoalesceFunc,
		},
	}
}
