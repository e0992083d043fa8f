package alerting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/good-yellow-bee/blazetune/pkg/config"
)

// ErrRuleNotFound is returned when a blazelog rules file has no rule with
// the configured name.
var ErrRuleNotFound = errors.New("rule not found")

// Change describes one trigger count update.
type Change struct {
	Path        string `json:"path"`
	Field       string `json:"field"`
	Previous    int    `json:"previous"`
	HadPrevious bool   `json:"had_previous"`
	Value       int    `json:"value"`
}

// Updater reads and rewrites the trigger count of one rule document.
type Updater interface {
	// Current returns the trigger count currently in the document. ok is
	// false when the field is absent or not an integer.
	Current() (value int, ok bool, err error)

	// Update writes count into the document, preserving everything else.
	Update(count int) (Change, error)
}

// NewUpdater creates the updater for cfg.Format.
func NewUpdater(cfg config.RuleConfig) (Updater, error) {
	switch cfg.Format {
	case config.RuleFormatElastAlert:
		return NewElastAlertUpdater(cfg.Path, cfg.Field), nil
	case config.RuleFormatBlazeLog:
		return NewBlazeLogUpdater(cfg.Path, cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown rule format %q", cfg.Format)
	}
}

// ElastAlertUpdater sets a field of an ElastAlert rule file, num_events by
// default. Nested fields use dotted paths.
type ElastAlertUpdater struct {
	path  string
	field string
}

// NewElastAlertUpdater creates an updater for field in the rule at path.
func NewElastAlertUpdater(path, field string) *ElastAlertUpdater {
	return &ElastAlertUpdater{path: path, field: field}
}

// Current implements Updater.
func (u *ElastAlertUpdater) Current() (int, bool, error) {
	doc, err := readDocument(u.path)
	if err != nil {
		return 0, false, err
	}
	node, err := lookupPath(doc.Mapping(), u.field)
	if errors.Is(err, ErrFieldNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, ok := intValue(node)
	return v, ok, nil
}

// Update implements Updater. A missing field is added at the end of its
// mapping.
func (u *ElastAlertUpdater) Update(count int) (Change, error) {
	doc, err := readDocument(u.path)
	if err != nil {
		return Change{}, err
	}

	node, err := ensurePath(doc.Mapping(), u.field)
	if err != nil {
		return Change{}, err
	}

	change := Change{Path: u.path, Field: u.field, Value: count}
	change.Previous, change.HadPrevious = intValue(node)
	setInt(node, count)

	out, err := doc.Encode()
	if err != nil {
		return Change{}, err
	}
	if err := writeFileAtomic(u.path, out); err != nil {
		return Change{}, err
	}
	return change, nil
}

// BlazeLogUpdater sets condition.threshold of a named rule in a blazelog
// rules file.
type BlazeLogUpdater struct {
	path string
	name string
}

// NewBlazeLogUpdater creates an updater for the rule called name.
func NewBlazeLogUpdater(path, name string) *BlazeLogUpdater {
	return &BlazeLogUpdater{path: path, name: name}
}

const blazeLogField = "condition.threshold"

// Current implements Updater.
func (u *BlazeLogUpdater) Current() (int, bool, error) {
	doc, err := readDocument(u.path)
	if err != nil {
		return 0, false, err
	}
	rule, err := u.ruleNode(doc)
	if err != nil {
		return 0, false, err
	}
	node, err := lookupPath(rule, blazeLogField)
	if errors.Is(err, ErrFieldNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, ok := intValue(node)
	return v, ok, nil
}

// Update implements Updater. The edited file is validated with the rule
// loader before it replaces the original; a count the engine would reject
// (zero, for instance) fails the update and leaves the file untouched.
func (u *BlazeLogUpdater) Update(count int) (Change, error) {
	doc, err := readDocument(u.path)
	if err != nil {
		return Change{}, err
	}
	rule, err := u.ruleNode(doc)
	if err != nil {
		return Change{}, err
	}

	node, err := ensurePath(rule, blazeLogField)
	if err != nil {
		return Change{}, err
	}

	change := Change{Path: u.path, Field: u.name + "." + blazeLogField, Value: count}
	change.Previous, change.HadPrevious = intValue(node)
	setInt(node, count)

	out, err := doc.Encode()
	if err != nil {
		return Change{}, err
	}

	rules, err := LoadRulesFromBytes(out)
	if err != nil {
		return Change{}, fmt.Errorf("updated rules are invalid: %w", err)
	}
	if r := FindRule(rules, u.name); r == nil || r.Type != RuleTypeThreshold {
		return Change{}, fmt.Errorf("rule %q is not a threshold rule", u.name)
	}

	if err := writeFileAtomic(u.path, out); err != nil {
		return Change{}, err
	}
	return change, nil
}

// ruleNode returns the mapping of the configured rule.
func (u *BlazeLogUpdater) ruleNode(doc *Document) (*yaml.Node, error) {
	rules := lookup(doc.Mapping(), "rules")
	if rules == nil || rules.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%s: no rules list", u.path)
	}
	for _, r := range rules.Content {
		if name := lookup(r, "name"); name != nil && name.Value == u.name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%s: %w: %q", u.path, ErrRuleNotFound, u.name)
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory, keeping the original permissions. Symlinks are resolved
// so the link itself survives.
func writeFileAtomic(path string, data []byte) error {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("resolve rule file: %w", err)
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace rule file: %w", err)
	}
	return nil
}
