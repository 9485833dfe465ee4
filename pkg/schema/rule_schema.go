package schema

import (
	"fmt"
	"os"
	"sort"

	"github.com/arkfield/fdb/pkg/key"
	"gopkg.in/yaml.v3"
)

// RuleSchema is a concrete Schema loaded from a small YAML grammar:
//
//	db:    [class, expver, stream, date]
//	index: [type, levtype]
//	datum: [step, param, levelist]
//
// Each level's keyword list is ordered; MatchFirstLevel/Expand walk the
// levels in db -> index -> datum order, the same order Key insertion
// follows throughout the rest of the package.
type RuleSchema struct {
	levels [3]Rule
}

type ruleSchemaDoc struct {
	DB    []string `yaml:"db"`
	Index []string `yaml:"index"`
	Datum []string `yaml:"datum"`
}

// LoadFile reads a RuleSchema from a YAML file at path.
func LoadFile(path string) (*RuleSchema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Load(data)
}

// Load parses a RuleSchema from inline YAML bytes.
func Load(data []byte) (*RuleSchema, error) {
	var doc ruleSchemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}
	return &RuleSchema{
		levels: [3]Rule{
			{Keywords: doc.DB},
			{Keywords: doc.Index},
			{Keywords: doc.Datum},
		},
	}, nil
}

// New builds a RuleSchema directly from keyword lists, without YAML.
func New(db, index, datum []string) *RuleSchema {
	return &RuleSchema{levels: [3]Rule{{Keywords: db}, {Keywords: index}, {Keywords: datum}}}
}

// Rule returns the rule governing one level.
func (s *RuleSchema) Rule(level Level) Rule { return s.levels[level] }

// MatchFirstLevel fans out the full Cartesian product of the DB-level
// keywords' accepted values, one candidate DB-Key per combination.
// A keyword the request does not constrain (or constrains with an
// empty, match-anything set) contributes the placeholder instead.
// Values are sorted so repeated calls enumerate candidates in the same
// order.
func (s *RuleSchema) MatchFirstLevel(req *key.Request, placeholder string) ([]*key.Key, error) {
	keywords := s.levels[DBLevel].Keywords
	axes := make([][]string, len(keywords))
	for i, kw := range keywords {
		values := req.Values(kw)
		if len(values) == 0 {
			values = []string{placeholder}
		}
		sort.Strings(values)
		axes[i] = values
	}

	it := &cartesianIterator{keywords: keywords, axes: axes}
	var out []*key.Key
	for k, ok := it.Next(); ok; k, ok = it.Next() {
		out = append(out, k)
	}
	return out, nil
}

func (s *RuleSchema) MatchingRule(dbKey *key.Key) (*Rule, error) {
	r := s.levels[DBLevel]
	for _, kw := range r.Keywords {
		if _, ok := dbKey.Get(kw); !ok {
			return nil, &Error{Keyword: kw, Reason: "missing from DB-Key"}
		}
	}
	return &r, nil
}

func (s *RuleSchema) Expand(req *key.Request) (KeyIterator, error) {
	var keywords []string
	keywords = append(keywords, s.levels[DBLevel].Keywords...)
	keywords = append(keywords, s.levels[IndexLevel].Keywords...)
	keywords = append(keywords, s.levels[DatumLevel].Keywords...)

	axes := make([][]string, len(keywords))
	for i, kw := range keywords {
		values := req.Values(kw)
		if len(values) == 0 {
			return nil, &Error{Keyword: kw, Reason: "request does not specify a value and has no default"}
		}
		sort.Strings(values)
		axes[i] = values
	}
	return &cartesianIterator{keywords: keywords, axes: axes}, nil
}

// cartesianIterator walks the full Cartesian product of axes, one
// combination per Next call, producing a Key with names in keywords
// order every time.
type cartesianIterator struct {
	keywords []string
	axes     [][]string
	counters []int
	started  bool
	done     bool
}

func (it *cartesianIterator) Next() (*key.Key, bool) {
	if it.done {
		return nil, false
	}
	if !it.started {
		it.started = true
		it.counters = make([]int, len(it.axes))
		for _, axis := range it.axes {
			if len(axis) == 0 {
				it.done = true
				return nil, false
			}
		}
	}

	k := key.New()
	for i, name := range it.keywords {
		k.Insert(name, it.axes[i][it.counters[i]])
	}

	// advance odometer-style
	if len(it.counters) == 0 {
		it.done = true
		return k, true
	}
	for i := len(it.counters) - 1; i >= 0; i-- {
		it.counters[i]++
		if it.counters[i] < len(it.axes[i]) {
			break
		}
		it.counters[i] = 0
		if i == 0 {
			it.done = true
		}
	}
	return k, true
}
