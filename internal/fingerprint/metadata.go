package fingerprint

import (
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// Metadata is a best-effort structural summary of an artifact.
type Metadata struct {
	Functions  []string `json:"functions"`
	Types      []string `json:"types"`
	Imports    []string `json:"imports"`
	Decorators []string `json:"decorators"`
}

var (
	reDef       = regexp.MustCompile(`(?m)^\s*(?:func|def|function)\s+(?:\([^)]*\)\s*)?([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	reClass     = regexp.MustCompile(`(?m)^\s*(?:class|type)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	reImport    = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	reDecorator = regexp.MustCompile(`(?m)^\s*@([A-Za-z_][A-Za-z0-9_.]*)`)
)

// ExtractMetadata summarizes function, type, import and decorator names. It
// never fails: when the content does not parse as Go source it falls back to
// pattern scraping, and the result always carries non-nil slices.
func ExtractMetadata(content, filename string) Metadata {
	md := Metadata{
		Functions:  []string{},
		Types:      []string{},
		Imports:    []string{},
		Decorators: []string{},
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, content, parser.SkipObjectResolution)
	if err != nil {
		return scrapeMetadata(content, md)
	}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			md.Functions = append(md.Functions, d.Name.Name)
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					md.Types = append(md.Types, s.Name.Name)
				case *ast.ImportSpec:
					md.Imports = append(md.Imports, strings.Trim(s.Path.Value, `"`))
				}
			}
		}
	}
	return md
}

func scrapeMetadata(content string, md Metadata) Metadata {
	for _, m := range reDef.FindAllStringSubmatch(content, -1) {
		md.Functions = append(md.Functions, m[1])
	}
	for _, m := range reClass.FindAllStringSubmatch(content, -1) {
		md.Types = append(md.Types, m[1])
	}
	for _, m := range reImport.FindAllStringSubmatch(content, -1) {
		md.Imports = append(md.Imports, m[1])
	}
	for _, m := range reDecorator.FindAllStringSubmatch(content, -1) {
		// Dotted or call-form decorators flatten to the last name segment.
		name := m[1]
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		md.Decorators = append(md.Decorators, name)
	}
	return md
}
