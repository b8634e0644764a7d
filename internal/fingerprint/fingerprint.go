package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strings"

	"testgate/internal/fault"
)

// Method selects how artifact content is reduced to an identity.
type Method string

const (
	// MethodContent hashes whitespace-normalized content.
	MethodContent Method = "content"
	// MethodStructural hashes a canonical form of the syntax tree, so
	// comments and formatting do not change the identity. Falls back to
	// MethodContent when the content does not parse.
	MethodStructural Method = "structural"
)

// Fingerprinter derives stable content-addressable identities. The zero
// value is usable; attach a Cache for memoization.
type Fingerprinter struct {
	Cache *Cache
}

func New(cache *Cache) *Fingerprinter {
	return &Fingerprinter{Cache: cache}
}

// Fingerprint maps content + filename to a fixed-length hex digest. The
// filename always participates so identical content in different locations
// stays distinct.
func (f *Fingerprinter) Fingerprint(content, filename string, method Method) (string, error) {
	switch method {
	case "", MethodContent:
		method = MethodContent
	case MethodStructural:
	default:
		return "", fault.New(fault.InputValidation, "unknown_method", "unknown fingerprint method %q", method)
	}
	if f.Cache != nil {
		if fp, ok := f.Cache.get(method, filename, content); ok {
			return fp, nil
		}
	}
	var fp string
	switch method {
	case MethodStructural:
		fp = f.structural(content, filename)
	default:
		fp = contentFingerprint(content, filename)
	}
	if f.Cache != nil {
		f.Cache.add(method, filename, content, fp)
	}
	return fp, nil
}

// HasChanged reports whether two fingerprints identify different content.
// Equal fingerprints mean identical normalized content; unequal ones mean
// the content differs (up to cryptographic collision odds).
func HasChanged(fp1, fp2 string) bool {
	return fp1 != fp2
}

func contentFingerprint(content, filename string) string {
	return hashHex(normalize(content) + "\n" + filename)
}

// normalize trims every line and drops blank ones so indentation and
// trailing whitespace never affect identity.
func normalize(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n")
}

func (f *Fingerprinter) structural(content, filename string) string {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, content, parser.SkipObjectResolution)
	if err != nil {
		return contentFingerprint(content, filename)
	}
	var b strings.Builder
	canonicalize(file, &b)
	return hashHex(filename + "\n" + b.String())
}

// canonicalize serializes the syntax tree with fixed field order and no
// position or comment data.
func canonicalize(node ast.Node, b *strings.Builder) {
	ast.Inspect(node, func(n ast.Node) bool {
		if n == nil {
			b.WriteByte(')')
			return true
		}
		fmt.Fprintf(b, "(%T", n)
		switch v := n.(type) {
		case *ast.Ident:
			b.WriteByte(' ')
			b.WriteString(v.Name)
		case *ast.BasicLit:
			fmt.Fprintf(b, " %s %s", v.Kind, v.Value)
		case *ast.BinaryExpr:
			fmt.Fprintf(b, " %s", v.Op)
		case *ast.UnaryExpr:
			fmt.Fprintf(b, " %s", v.Op)
		case *ast.AssignStmt:
			fmt.Fprintf(b, " %s", v.Tok)
		case *ast.IncDecStmt:
			fmt.Fprintf(b, " %s", v.Tok)
		case *ast.BranchStmt:
			fmt.Fprintf(b, " %s", v.Tok)
		case *ast.GenDecl:
			fmt.Fprintf(b, " %s", v.Tok)
		case *ast.RangeStmt:
			fmt.Fprintf(b, " %s", v.Tok)
		}
		return true
	})
}

// FunctionFingerprint isolates one named function and fingerprints it
// independently of the rest of the file. When the content does not parse, a
// bounded textual extraction is used instead. Returns a NotFound fault when
// the function does not exist.
func (f *Fingerprinter) FunctionFingerprint(content, functionName, filename string) (string, error) {
	if functionName == "" {
		return "", fault.New(fault.InputValidation, "function_required", "function name is required")
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, content, parser.SkipObjectResolution)
	if err == nil {
		for _, decl := range file.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || fn.Name.Name != functionName {
				continue
			}
			var b strings.Builder
			canonicalize(fn, &b)
			return hashHex(filename + "\n" + functionName + "\n" + b.String()), nil
		}
		return "", fault.New(fault.NotFound, "function_not_found", "function %s not found in %s", functionName, filename)
	}
	body, ok := extractFunctionText(content, functionName)
	if !ok {
		return "", fault.New(fault.NotFound, "function_not_found", "function %s not found in %s", functionName, filename)
	}
	return hashHex(filename + "\n" + functionName + "\n" + normalize(body)), nil
}

// extractFunctionText is the parse-failure fallback: find a function header
// by pattern and take lines until brace balance closes or indentation
// returns to the header's level, bounded at maxFunctionLines.
const maxFunctionLines = 500

func extractFunctionText(content, functionName string) (string, bool) {
	header := regexp.MustCompile(`^(\s*)(?:func|def|function)\s+(?:\([^)]*\)\s*)?` + regexp.QuoteMeta(functionName) + `\s*\(`)
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		m := header.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		indent := len(m[1])
		depth := strings.Count(line, "{") - strings.Count(line, "}")
		braced := strings.Contains(line, "{")
		body := []string{line}
		for j := i + 1; j < len(lines) && len(body) < maxFunctionLines; j++ {
			next := lines[j]
			if braced {
				depth += strings.Count(next, "{") - strings.Count(next, "}")
				body = append(body, next)
				if depth <= 0 {
					break
				}
				continue
			}
			// Indentation-scoped body (def-style): stop at the first
			// non-blank line at or above the header's indent level.
			trimmed := strings.TrimSpace(next)
			if trimmed != "" && leadingSpace(next) <= indent {
				break
			}
			body = append(body, next)
		}
		return strings.Join(body, "\n"), true
	}
	return "", false
}

func leadingSpace(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\t' {
			break
		}
		n++
	}
	return n
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
