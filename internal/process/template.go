package process

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// ErrEmptyTemplate is returned when a command template has no words.
var ErrEmptyTemplate = errors.New("process: empty command template")

// ExpandTemplate splits a shell-style command template into argv and then
// substitutes {name} placeholders in each word. Splitting happens first so
// a substituted value containing spaces or quotes stays one argument and is
// never re-parsed.
func ExpandTemplate(template string, vars map[string]string) ([]string, error) {
	words, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("parsing command template: %w", err)
	}
	if len(words) == 0 {
		return nil, ErrEmptyTemplate
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}

// FromTemplate builds a Config whose Binary and Args come from an expanded
// command template. Restart policy is left to the caller.
func FromTemplate(name, template string, vars map[string]string) (Config, error) {
	argv, err := ExpandTemplate(template, vars)
	if err != nil {
		return Config{}, err
	}
	return Config{Name: name, Binary: argv[0], Args: argv[1:]}, nil
}
