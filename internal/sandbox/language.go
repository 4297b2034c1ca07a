package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Language describes how to run a single-file program of one language.
type Language struct {
	Name     string
	Display  string // name used in prompts
	Image    string
	FileName string
	Command  []string
	Env      []string
	Scratch  int64    // size of a tmpfs at /tmp, 0 for none
	Fence    []string // markdown fence tags that mark code of this language
}

var (
	Python = Language{
		Name:     "python",
		Display:  "Python",
		Image:    "python:3.12-slim",
		FileName: "main.py",
		Command:  []string{"python", "main.py"},
		Env:      []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"},
		Fence:    []string{"python", "py", "python3"},
	}
	JavaScript = Language{
		Name:     "javascript",
		Display:  "JavaScript",
		Image:    "node:22-slim",
		FileName: "main.js",
		Command:  []string{"node", "main.js"},
		Fence:    []string{"javascript", "js", "node"},
	}
	Go = Language{
		Name:     "go",
		Display:  "Go",
		Image:    "golang:1.23-alpine",
		FileName: "main.go",
		Command:  []string{"go", "run", "main.go"},
		Env:      []string{"GOCACHE=/tmp/go-build", "GOPATH=/tmp/go", "CGO_ENABLED=0"},
		Scratch:  256 << 20,
		Fence:    []string{"go", "golang"},
	}
	Ruby = Language{
		Name:     "ruby",
		Display:  "Ruby",
		Image:    "ruby:3.3-slim",
		FileName: "main.rb",
		Command:  []string{"ruby", "main.rb"},
		Fence:    []string{"ruby", "rb"},
	}
)

var languages = map[string]Language{
	Python.Name:     Python,
	JavaScript.Name: JavaScript,
	Go.Name:         Go,
	Ruby.Name:       Ruby,
}

// LookupLanguage returns the language registered under name.
func LookupLanguage(name string) (Language, error) {
	l, ok := languages[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Language{}, fmt.Errorf("unsupported language %q (supported: %s)", name, strings.Join(LanguageNames(), ", "))
	}
	return l, nil
}

// LanguageNames lists supported languages in sorted order.
func LanguageNames() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec builds an execution spec for this language with the given limits.
func (l Language) Spec(memoryBytes int64, timeout time.Duration) Spec {
	return Spec{
		Image:       l.Image,
		Command:     append([]string(nil), l.Command...),
		Env:         append([]string(nil), l.Env...),
		Scratch:     l.Scratch,
		FileName:    l.FileName,
		MemoryBytes: memoryBytes,
		Timeout:     timeout,
		WorkDir:     DefaultWorkDir,
		Network:     false,
		PidsLimit:   DefaultPidsLimit,
	}
}

// Extension returns the file extension of the program file, without the dot.
func (l Language) Extension() string {
	if i := strings.LastIndexByte(l.FileName, '.'); i >= 0 {
		return l.FileName[i+1:]
	}
	return "txt"
}
