package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"github.com/strato-sh/strato/resource"
	"gopkg.in/yaml.v3"
)

type ReadOptions struct {
	// Params are exposed to manifest templates as {{ .Params.key }}.
	Params map[string]string
}

type UnmarshalError struct {
	error
	Source string
}

// Read loads one manifest file, which may contain multiple YAML documents,
// and returns the resources it declares.
func Read(file string, options ReadOptions) ([]*resource.Resource, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	source, err := evaluateTemplate(string(buf), options)
	if err != nil {
		return nil, fmt.Errorf("evaluate template: %w", err)
	}

	var resources []*resource.Resource
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(source)))
	for {
		var m Manifest
		if err := decoder.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, UnmarshalError{fmt.Errorf("unmarshal: %w", err), source}
		}

		if err := m.Validate(); err != nil {
			return nil, UnmarshalError{fmt.Errorf("validate '%s': %w", m.Name, err), source}
		}
		res, err := m.Resource()
		if err != nil {
			return nil, UnmarshalError{fmt.Errorf("convert '%s': %w", m.Name, err), source}
		}
		resources = append(resources, res)
	}

	return resources, nil
}

// ReadDir loads every .yaml/.yml manifest in the directory, in lexical
// order so apply order is predictable.
func ReadDir(dir string, options ReadOptions) ([]*resource.Resource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ext := filepath.Ext(entry.Name()); ext == ".yaml" || ext == ".yml" {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	var resources []*resource.Resource
	for _, file := range files {
		loaded, err := Read(filepath.Join(dir, file), options)
		if err != nil {
			return nil, fmt.Errorf("manifest '%s': %w", file, err)
		}
		resources = append(resources, loaded...)
	}
	return resources, nil
}

type templateData struct {
	Env    map[string]string
	Params map[string]string
}

func evaluateTemplate(source string, options ReadOptions) (string, error) {
	tmpl, err := template.New("manifest").Funcs(sprig.FuncMap()).Funcs(template.FuncMap{
		"env": func(key string) string {
			return os.Getenv(key)
		},
		"param": func(key string) string {
			return options.Params[key]
		},
	}).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	data := templateData{
		Env:    lo.SliceToMap(os.Environ(), func(env string) (key, val string) { key, val, _ = strings.Cut(env, "="); return }),
		Params: options.Params,
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return output.String(), nil
}
