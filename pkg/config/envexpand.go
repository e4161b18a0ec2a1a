package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in YAML content with the
// named environment variable. Template syntax keeps literal $ intact,
// which regex patterns and passwords inside config values depend on.
//
// Missing variables expand to the empty string; validation catches
// required fields left empty. Content that does not parse or execute
// as a template is returned unchanged so plain YAML passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New(configFile).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := map[string]string{}
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
