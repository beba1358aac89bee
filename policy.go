package tabula

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Category groups denied names by the capability they would grant.
type Category string

const (
	CategoryProcess       Category = "process-control"
	CategoryFilesystem    Category = "filesystem"
	CategoryNetwork       Category = "network"
	CategoryDynamic       Category = "dynamic-execution"
	CategorySerialization Category = "serialization"
	CategoryIntrospection Category = "introspection"
)

// DatasetVar is the name under which executed code sees the dataset.
const DatasetVar = "df"

// Preloaded lists the names bound before user code runs, besides DatasetVar.
var Preloaded = []string{"pd", "np", "plt", "sns", "datetime", "timedelta", "math"}

// SandboxPolicy is the capability policy enforced by the analyzer and the
// executor. It is plain data: the same policy value always yields the same
// verdicts.
type SandboxPolicy struct {
	// AllowedModules may be imported. A dotted import is allowed when its
	// top-level package is listed.
	AllowedModules []string `json:"allowed_modules" yaml:"allowed_modules"`
	// DeniedNames are identifiers and module names that may not be referenced
	// anywhere in the code, whatever the import path.
	DeniedNames map[string]Category `json:"denied_names" yaml:"denied_names"`
	// DeniedAttributes may not appear as the attribute part of an attribute
	// chain (obj.system, df.to_pickle).
	DeniedAttributes map[string]Category `json:"denied_attributes" yaml:"denied_attributes"`
	// WriterMethods take an output path as the first argument; literal paths
	// passed to them must stay inside the output directory.
	WriterMethods []string `json:"writer_methods" yaml:"writer_methods"`

	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	OutputDir   string        `json:"output_dir" yaml:"output_dir"`
	MaxMemoryMB int           `json:"max_memory_mb" yaml:"max_memory_mb"` // 0 = no limit
}

// DefaultPolicy returns the standard policy writing artifacts under outputDir.
func DefaultPolicy(outputDir string) SandboxPolicy {
	p := SandboxPolicy{
		AllowedModules: []string{
			"pandas", "numpy", "matplotlib", "seaborn", "scipy",
			"math", "statistics", "datetime", "collections", "itertools",
			"functools", "re", "json", "decimal", "random", "string", "textwrap",
		},
		DeniedNames:      map[string]Category{},
		DeniedAttributes: map[string]Category{},
		WriterMethods: []string{
			"to_csv", "to_excel", "to_json", "to_parquet", "to_html",
			"to_markdown", "to_feather", "to_hdf", "savefig", "save",
			"savetxt", "tofile", "imsave",
		},
		Timeout:     30 * time.Second,
		OutputDir:   outputDir,
		MaxMemoryMB: 1024,
	}
	deny := func(m map[string]Category, c Category, names ...string) {
		for _, n := range names {
			m[n] = c
		}
	}
	deny(p.DeniedNames, CategoryProcess, "os", "sys", "subprocess", "signal", "multiprocessing",
		"threading", "pty", "ctypes", "resource", "exit", "quit")
	deny(p.DeniedNames, CategoryFilesystem, "shutil", "pathlib", "tempfile", "glob", "open", "fileinput")
	deny(p.DeniedNames, CategoryNetwork, "socket", "urllib", "urllib2", "requests", "http",
		"httplib", "ftplib", "smtplib", "telnetlib", "asyncio", "ssl", "webbrowser")
	deny(p.DeniedNames, CategoryDynamic, "eval", "exec", "compile", "__import__", "importlib",
		"builtins", "__builtin__", "__builtins__", "execfile", "reload", "input", "raw_input",
		"breakpoint", "runpy")
	deny(p.DeniedNames, CategorySerialization, "pickle", "cPickle", "shelve", "marshal", "dill")
	deny(p.DeniedNames, CategoryIntrospection, "globals", "locals", "vars", "dir", "getattr",
		"setattr", "delattr", "hasattr", "inspect", "gc")

	deny(p.DeniedAttributes, CategoryProcess, "system", "popen", "spawn", "spawnv", "spawnl",
		"fork", "kill", "execv", "execve", "execvp", "startfile")
	deny(p.DeniedAttributes, CategoryFilesystem, "unlink", "rmdir", "rmtree", "removedirs",
		"chmod", "chown", "makedirs", "mkdir", "listdir", "scandir")
	// The dataset is preloaded as df; user code never reads files itself.
	deny(p.DeniedAttributes, CategoryFilesystem, "read_csv", "read_json", "read_excel",
		"read_parquet", "read_table", "read_fwf", "read_xml", "read_feather", "read_hdf",
		"read_orc", "read_stata", "read_sas", "read_spss", "loadtxt", "genfromtxt",
		"fromfile", "load", "imread")
	deny(p.DeniedAttributes, CategorySerialization, "to_pickle", "read_pickle")
	deny(p.DeniedAttributes, CategoryNetwork, "urlopen", "read_sql", "to_sql", "read_html",
		"read_clipboard", "read_gbq", "to_clipboard", "to_gbq", "DataSource")
	return p
}

// ModuleAllowed reports whether an import of module is permitted.
func (p SandboxPolicy) ModuleAllowed(module string) bool {
	root, _, _ := strings.Cut(module, ".")
	return slices.Contains(p.AllowedModules, root) || slices.Contains(p.AllowedModules, module)
}

// DeniedName reports whether name is denied and why.
func (p SandboxPolicy) DeniedName(name string) (Category, bool) {
	c, ok := p.DeniedNames[name]
	return c, ok
}

// DeniedAttribute reports whether an attribute name is denied and why.
func (p SandboxPolicy) DeniedAttribute(name string) (Category, bool) {
	c, ok := p.DeniedAttributes[name]
	return c, ok
}

// IsWriter reports whether method writes to the path given as its first argument.
func (p SandboxPolicy) IsWriter(method string) bool {
	return slices.Contains(p.WriterMethods, method)
}

// Fingerprint returns a stable hash of the policy. Equal policies produce
// equal fingerprints regardless of map iteration order.
func (p SandboxPolicy) Fingerprint() string {
	h := sha256.New()
	mods := slices.Clone(p.AllowedModules)
	sort.Strings(mods)
	fmt.Fprintf(h, "modules=%s\n", strings.Join(mods, ","))
	for _, k := range sortedKeys(p.DeniedNames) {
		fmt.Fprintf(h, "name=%s:%s\n", k, p.DeniedNames[k])
	}
	for _, k := range sortedKeys(p.DeniedAttributes) {
		fmt.Fprintf(h, "attr=%s:%s\n", k, p.DeniedAttributes[k])
	}
	writers := slices.Clone(p.WriterMethods)
	sort.Strings(writers)
	fmt.Fprintf(h, "writers=%s\ntimeout=%s\nout=%s\nmem=%d\n",
		strings.Join(writers, ","), p.Timeout, p.OutputDir, p.MaxMemoryMB)
	return hex.EncodeToString(h.Sum(nil))
}

// Describe renders the policy as instructions for the generative service.
func (p SandboxPolicy) Describe() string {
	var b strings.Builder
	b.WriteString("## Execution environment\n")
	fmt.Fprintf(&b, "Preloaded names: %s (the dataset as a pandas DataFrame), %s.\n",
		DatasetVar, strings.Join(Preloaded, ", "))
	mods := slices.Clone(p.AllowedModules)
	sort.Strings(mods)
	fmt.Fprintf(&b, "Allowed imports: %s.\n", strings.Join(mods, ", "))

	byCat := map[string][]string{}
	for name, c := range p.DeniedNames {
		byCat[string(c)] = append(byCat[string(c)], name)
	}
	b.WriteString("Forbidden (code using these is rejected before it runs):\n")
	for _, c := range sortedKeys(byCat) {
		names := byCat[c]
		sort.Strings(names)
		fmt.Fprintf(&b, "- %s: %s\n", c, strings.Join(names, ", "))
	}
	b.WriteString("- any attribute of the form __name__\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Do not reload the data; use df directly and do not modify it in place.\n")
	b.WriteString("- Print every result you want to report.\n")
	b.WriteString("- Save figures with plt.savefig('<name>.png') using a plain file name written as a string literal; the working directory is the output directory.\n")
	if p.Timeout > 0 {
		fmt.Fprintf(&b, "- Execution is stopped after %s.\n", p.Timeout)
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
